// Command gqfi drives bare-metal x86-64 fault-injection campaigns: it
// characterizes a target's golden behavior, schedules fault-injection
// shards across local or clustered workers, and runs a single shard's
// experiment loop in-process (spec.md §2, §4.4).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nklein/galago-fi/internal/analyzer"
	"github.com/nklein/galago-fi/internal/campaign"
	"github.com/nklein/galago-fi/internal/config"
	"github.com/nklein/galago-fi/internal/driver"
	glog "github.com/nklein/galago-fi/internal/log"
	"github.com/nklein/galago-fi/internal/results"
	"github.com/nklein/galago-fi/internal/target"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gqfi",
		Short: "Bare-metal x86-64 fault-injection harness",
		Long: `gqfi characterizes bare-metal x86-64 targets and runs fault-injection
campaigns against them inside an in-process Unicorn Engine emulator.

  gqfi analyze   — capture golden output, timing and memory footprint for every
                    target under a folder
  gqfi campaign  — schedule and run a full fault-injection campaign
  gqfi shard     — run one shard of one target's campaign (usually invoked by
                    "campaign" itself, local or over SSH)
  gqfi resume    — re-run "campaign", picking up from whatever shard result
                    files already exist on disk`,
		SilenceUsage: true,
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		glog.Init(verbose)
	}

	rootCmd.AddCommand(newAnalyzeCmd(), newCampaignCmd(), newShardCmd(), newResumeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, matching
// spec.md §5's cancellation requirement: a shard must tear down cleanly and
// leave its partial result file intact.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newAnalyzeCmd() *cobra.Command {
	var cfgPath, folder string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Capture golden output, timing and memory footprint for every discovered target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			targets, err := target.Discover(folder)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			for _, t := range targets {
				if err := analyzeOne(ctx, cfg, t); err != nil {
					return fmt.Errorf("analyze %s: %w", t.Name, err)
				}
				glog.L.Info("analyzed", glog.Fn(t.Name))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to the campaign configuration document")
	cmd.Flags().StringVar(&folder, "folder", "", "folder to walk for target ELF images")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("folder")
	return cmd
}

func analyzeOne(ctx context.Context, cfg *config.Config, t target.Target) error {
	image, err := driver.LoadImage(t)
	if err != nil {
		return err
	}

	drv, err := driver.New()
	if err != nil {
		return fmt.Errorf("new driver: %w", err)
	}
	defer drv.Quit()

	sink, err := driver.NewSerialSink()
	if err != nil {
		return fmt.Errorf("new serial sink: %w", err)
	}
	defer sink.Close()

	if err := drv.Start(image, "", sink); err != nil {
		return fmt.Errorf("start driver: %w", err)
	}

	res, err := analyzer.Run(ctx, drv, image, cfg, sink)
	if err != nil {
		return err
	}

	return analyzer.WriteArtifacts(cfg, t.Name, res)
}

func newCampaignCmd() *cobra.Command {
	var cfgPath, folder string
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Schedule and run a full fault-injection campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaign(cfgPath, folder)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to the campaign configuration document")
	cmd.Flags().StringVar(&folder, "folder", "", "folder to walk for target ELF images")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("folder")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var cfgPath, folder string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a campaign, skipping experiments already recorded on disk",
		Long: `resume re-runs "campaign" unchanged: every shard counts the records
already present in its result file on startup and only runs the remaining
quota (spec.md §4.4 Resumption), so restarting a campaign after a crash or
a deliberate stop is the same operation as starting one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaign(cfgPath, folder)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to the campaign configuration document")
	cmd.Flags().StringVar(&folder, "folder", "", "folder to walk for target ELF images")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("folder")
	return cmd
}

func runCampaign(cfgPath, folder string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	targets, err := target.Discover(folder)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}

	var pool campaign.WorkerPool
	if cfg.RunParallelInCluster {
		hosts, err := cfg.ClusterHosts()
		if err != nil {
			return err
		}
		pool = campaign.NewClusterPool(hosts, self, cfg.OutputFolderFIResults)
	} else {
		pool = campaign.NewLocalPool(self)
	}

	jobs := campaign.BuildJobs(targets, cfg.Samples, cfg.ChunkFactor)

	ctx, cancel := signalContext()
	defer cancel()

	if err := pool.Run(ctx, jobs, cfgPath); err != nil {
		return err
	}

	for _, t := range targets {
		if err := results.Merge(cfg.OutputFolderFIResults, t.Name, cfg.ChunkFactor); err != nil {
			return fmt.Errorf("merge results for %s: %w", t.Name, err)
		}
	}
	return nil
}

// elf32Suffix mirrors target.Discover's naming convention for a target's
// derived 32-bit bootable wrapper, since the shard subcommand reconstructs
// a Target from flags rather than from a Discover walk.
const elf32Suffix = ".elf_32"

func newShardCmd() *cobra.Command {
	var cfgPath, name, elf64 string
	var shardIndex, quota int
	cmd := &cobra.Command{
		Use:    "shard",
		Short:  "Run one shard of one target's campaign",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			t := target.Target{
				Name:   name,
				Path64: elf64,
				Path32: elf64 + elf32Suffix,
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := campaign.RunShard(ctx, cfg, t, shardIndex, quota); err != nil {
				return err
			}
			glog.L.Info("shard finished", zap.String("target", name), zap.Int("shard", shardIndex))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to the campaign configuration document")
	cmd.Flags().StringVar(&name, "name", "", "campaign-unique target name")
	cmd.Flags().StringVar(&elf64, "elf64", "", "path to the target's 64-bit ELF image")
	cmd.Flags().IntVar(&shardIndex, "shard-index", 0, "this shard's index")
	cmd.Flags().IntVar(&quota, "quota", 0, "total experiments owed by this shard, including ones already recorded")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("elf64")
	cmd.MarkFlagRequired("quota")
	return cmd
}
