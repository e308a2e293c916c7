// Package campaign schedules a full fault-injection campaign across every
// discovered target: splitting each target's experiment quota into shards,
// fanning shards out to local or cluster worker processes, and driving one
// shard's experiment loop in-process (spec.md §5).
package campaign

import "github.com/nklein/galago-fi/internal/target"

// Job is one shard's unit of work: quota experiments against one target.
type Job struct {
	Target     target.Target
	ShardIndex int
	Shards     int
	Quota      int
}

// ShardCounts splits total experiments across shards equally, with the
// remainder added to shard 0, matching
// fi/gqfi_fi_campagne.py's create_parallel_shell_command.
func ShardCounts(total, shards int) []int {
	if shards <= 0 {
		return nil
	}
	per := total / shards
	remainder := total % shards
	counts := make([]int, shards)
	for i := range counts {
		counts[i] = per
	}
	counts[0] += remainder
	return counts
}

// BuildJobs expands every target into one Job per shard.
func BuildJobs(targets []target.Target, totalExperiments, shards int) []Job {
	counts := ShardCounts(totalExperiments, shards)
	jobs := make([]Job, 0, len(targets)*shards)
	for _, t := range targets {
		for i, quota := range counts {
			jobs = append(jobs, Job{Target: t, ShardIndex: i, Shards: shards, Quota: quota})
		}
	}
	return jobs
}
