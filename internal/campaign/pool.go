package campaign

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nklein/galago-fi/internal/log"
)

// shardRetryBackoff is how long a launcher waits before respawning a shard
// whose process just exited, so a persistently misconfigured shard doesn't
// spin a launcher's CPU while it fails.
const shardRetryBackoff = 2 * time.Second

// retryLaunch calls launch until it succeeds or ctx is done. A shard that
// fails to start, crashes, or gets killed by its own watchguard is retried
// indefinitely by its launcher rather than failing the campaign; only
// cancellation of ctx (a configuration-level shutdown, e.g. SIGTERM) ends
// the retry loop.
func retryLaunch(ctx context.Context, fullName string, shardIndex int, launch func() error) error {
	for attempt := 1; ; attempt++ {
		err := launch()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.L.ShardRetrying(fullName, shardIndex, attempt, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(shardRetryBackoff):
		}
	}
}

// WorkerPool fans a set of Jobs out to shard-running processes, local or
// remote, and waits for all of them to finish.
type WorkerPool interface {
	Run(ctx context.Context, jobs []Job, cfgPath string) error
}

func shardArgs(cfgPath string, j Job) []string {
	return []string{
		"shard",
		"--config", cfgPath,
		"--name", j.Target.Name,
		"--elf64", j.Target.Path64,
		"--shard-index", strconv.Itoa(j.ShardIndex),
		"--quota", strconv.Itoa(j.Quota),
	}
}

// LocalPool runs each shard as a child process of the current binary,
// capped at Concurrency simultaneous children. The original tool achieved
// this with `parallel --ungroup --jobs 200%`; a child process per shard
// keeps one wedged or crashed Unicorn instance from taking the whole
// campaign down with it, and retryLaunch respawns a shard that exits
// nonzero instead of failing the run over it.
type LocalPool struct {
	// SelfPath is the executable to re-exec per shard, normally
	// os.Executable()'s result.
	SelfPath string
	// Concurrency defaults to 2x logical CPUs if zero, matching the
	// original's "--jobs 200%".
	Concurrency int
}

// NewLocalPool builds a LocalPool defaulting Concurrency to 2x NumCPU.
func NewLocalPool(selfPath string) *LocalPool {
	return &LocalPool{SelfPath: selfPath, Concurrency: 2 * runtime.NumCPU()}
}

func (p *LocalPool) Run(ctx context.Context, jobs []Job, cfgPath string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)

	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return retryLaunch(ctx, j.Target.Name, j.ShardIndex, func() error {
				cmd := exec.CommandContext(ctx, p.SelfPath, shardArgs(cfgPath, j)...)
				cmd.Stdout = os.Stdout
				cmd.Stderr = os.Stderr
				if err := cmd.Run(); err != nil {
					return fmt.Errorf("campaign: local shard %s/%d: %w", j.Target.Name, j.ShardIndex, err)
				}
				return nil
			})
		})
	}
	return g.Wait()
}

// ClusterPool dispatches shards to remote hosts over SSH, round-robin, and
// collects each host's result files back over SCP once its shards finish.
// This mirrors the original tool's `parallel --sshloginfile` fan-out and
// its post-run `scp` collection step (fi/gqfi_fi_campagne.py's
// run_fi/concat_results_of_fi), done directly instead of shelling out to
// GNU parallel.
type ClusterPool struct {
	Hosts                 []string
	RemoteBinary          string
	OutputFolderFIResults string
	Concurrency           int
}

// NewClusterPool builds a ClusterPool defaulting Concurrency to the host
// count. The limit caps the shards in flight across all hosts; shards are
// assigned to hosts round-robin by job index, so one host can run two
// shards at once while another is idle.
func NewClusterPool(hosts []string, remoteBinary, outputFolderFIResults string) *ClusterPool {
	return &ClusterPool{
		Hosts:                 hosts,
		RemoteBinary:          remoteBinary,
		OutputFolderFIResults: outputFolderFIResults,
		Concurrency:           len(hosts),
	}
}

func (p *ClusterPool) Run(ctx context.Context, jobs []Job, cfgPath string) error {
	if len(p.Hosts) == 0 {
		return fmt.Errorf("campaign: cluster pool has no hosts")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)

	for i, j := range jobs {
		host := p.Hosts[i%len(p.Hosts)]
		j := j
		g.Go(func() error {
			return retryLaunch(ctx, j.Target.Name, j.ShardIndex, func() error {
				return p.runRemote(ctx, host, cfgPath, j)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return p.collectResults(ctx)
}

func (p *ClusterPool) runRemote(ctx context.Context, host, cfgPath string, j Job) error {
	args := append([]string{host, p.RemoteBinary}, shardArgs(cfgPath, j)...)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("campaign: remote shard %s/%d on %s: %w", j.Target.Name, j.ShardIndex, host, err)
	}
	return nil
}

// collectResults scps every host's result folder back to this machine's
// output_folder_fi_results, after which the caller merges per-shard files
// exactly as a local run would.
func (p *ClusterPool) collectResults(ctx context.Context) error {
	for _, host := range p.Hosts {
		src := fmt.Sprintf("%s:%s", host, p.OutputFolderFIResults)
		cmd := exec.CommandContext(ctx, "scp", "-r", src, p.OutputFolderFIResults)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("campaign: collect results from %s: %w", host, err)
		}
	}
	return nil
}
