package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/reassembly/internal/config"
	logpkg "firestige.xyz/reassembly/internal/log"
	"firestige.xyz/reassembly/internal/replay"
	"firestige.xyz/reassembly/internal/sink/console"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a capture file and print the reassembled lines",
	Long: `Replay a pcap or pcapng file through the reassembly pipeline.

The replay will:
  1. Load configuration and initialize logging and metrics
  2. Read the capture file, applying the host/net filter
  3. Hash every flow to a worker partition
  4. Reassemble fragments and TCP streams per worker
  5. Print each line to stdout, as text or JSON
  6. Flush unterminated lines when connections close or the file ends

SIGINT or SIGTERM stops reading and flushes what is buffered.

Examples:
  reasm replay -r capture.pcap
  reasm replay -r capture.pcapng --filter "host 10.0.0.1" --format json
  reasm replay -c config.yml -r capture.pcap --workers 4`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runReplay(ctx, replayFlags, os.Stdout); err != nil {
			slog.Error("replay failed", "error", err)
			os.Exit(1)
		}
	},
}

type replayOptions struct {
	file    string
	filter  string
	format  string
	workers int
}

var replayFlags replayOptions

func init() {
	replayCmd.Flags().StringVarP(&replayFlags.file, "read", "r", "",
		"capture file to replay (required)")
	replayCmd.Flags().StringVar(&replayFlags.filter, "filter", "",
		"filter expression, overrides source.filter")
	replayCmd.Flags().StringVar(&replayFlags.format, "format", "",
		"line output format: text or json, overrides sink.format")
	replayCmd.Flags().IntVar(&replayFlags.workers, "workers", 0,
		"worker partitions, overrides dispatch.workers")
	replayCmd.MarkFlagRequired("read")
}

func runReplay(ctx context.Context, opts replayOptions, out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.workers > 0 {
		cfg.Dispatch.Workers = opts.workers
	}
	if opts.format != "" {
		cfg.Sink.Format = opts.format
	}

	if err := logpkg.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	s, err := console.NewWithWriter(cfg.Sink.Format, out)
	if err != nil {
		return err
	}

	r, err := replay.New(cfg, replay.Options{Path: opts.file, Filter: opts.filter}, s)
	if err != nil {
		return err
	}

	sum, err := r.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d packets read, %d filtered, %d dropped, %d lines in %s\n",
		sum.Source.Read, sum.Source.Filtered, sum.Dispatch.Dropped, sum.Lines, sum.Elapsed)
	return nil
}
