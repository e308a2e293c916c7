package driver

import "testing"

func TestSerialSinkWriteAndContains(t *testing.T) {
	sink, err := NewSerialSink()
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	if _, err := sink.Write([]byte("booting...FINISHED\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !sink.Contains("FINISHED") {
		t.Errorf("expected sink to contain marker")
	}
	if sink.Contains("DETECTED") {
		t.Errorf("did not expect sink to contain unseen marker")
	}
}

func TestSerialSinkAddrIsLoopback(t *testing.T) {
	sink, err := NewSerialSink()
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	if !sink.Addr().IP.IsLoopback() {
		t.Errorf("expected loopback address, got %s", sink.Addr().IP)
	}
}
