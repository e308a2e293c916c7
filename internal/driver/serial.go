package driver

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"
)

// recvTimeout is the 500ms serial receive window (spec.md §7). The sink's
// own socket reads carry no deadline: pump blocks until a datagram arrives
// or Close is called.
const recvTimeout = 500 * time.Millisecond

// SerialSink collects the guest's serial output in an in-memory buffer.
// A real serial port has no analogue in Unicorn's CPU model, so
// unicornDriver emulates one minimally: guest OUT instructions to COM1
// (port 0x3F8) are appended here through Write. The sink also listens on a
// loopback UDP socket and appends any datagram it receives there.
type SerialSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	conn *net.UDPConn
}

// NewSerialSink binds an ephemeral UDP port on 127.0.0.1 and returns a
// sink ready to receive.
func NewSerialSink() (*SerialSink, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("driver: serial sink: %w", err)
	}
	s := &SerialSink{conn: conn}
	go s.pump()
	return s, nil
}

// Addr is the loopback address the guest's virtual UART should target.
func (s *SerialSink) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *SerialSink) pump() {
	buf := make([]byte, 4096)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.buf.Write(buf[:n])
		s.mu.Unlock()
	}
}

// Write appends bytes the emulator observed the guest push out its UART,
// bypassing the network loopback. unicornDriver's port-I/O hook calls
// this directly rather than round-tripping through the socket, which
// exists so an external collaborator (e.g. a live console tee) can attach
// to Addr() independently.
func (s *SerialSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Contains reports whether marker has appeared anywhere in the output
// collected so far.
func (s *SerialSink) Contains(marker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Contains(s.buf.Bytes(), []byte(marker))
}

// Reset discards everything captured so far. The Experiment Engine calls
// this before each run against a shared sink, so a run's serial output can
// be compared against the golden capture without earlier runs' bytes
// leaking in.
func (s *SerialSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
}

// Bytes returns a copy of everything captured so far.
func (s *SerialSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

// Close releases the underlying socket.
func (s *SerialSink) Close() error {
	return s.conn.Close()
}
