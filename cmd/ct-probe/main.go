package main

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/logging"
	"Go2ConnTrack/internal/model"
	"Go2ConnTrack/internal/probe"
	"Go2ConnTrack/pkg/pcap"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "ct-probe",
	Short: "Capture packets and publish them to NATS, or print what others publish",
	Long: `In pub mode ct-probe captures on an interface and publishes every parsed
packet to a NATS subject, where ct-top --nats can track them. In sub mode it
prints the packets received on the subject.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	rootCmd.PersistentFlags().StringP(config.FlagConfig, "c", "", "config file (default configs/config.yaml when present)")
	f.String("mode", "sub", "operating mode: 'pub' to capture and publish, 'sub' to subscribe and print")
	f.StringP(config.FlagInterface, "i", "", "interface to capture from (required for pub mode)")
	f.Int32(config.FlagSnaplen, 1600, "capture snapshot length")
	f.Bool(config.FlagPromiscuous, false, "capture in promiscuous mode")
	f.String(config.FlagNATS, "", "NATS server URL")
	f.String(config.FlagSubject, "", "NATS subject")
	f.String(config.FlagLogLevel, "info", "log level")
}

func run(cmd *cobra.Command, _ []string) error {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger := logging.NewWithComponent(logging.Config{Level: cfg.Log.Level, Pretty: true}, "ct-probe")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode := v.GetString("mode"); mode {
	case "pub":
		return runProbe(ctx, cfg, logger)
	case "sub":
		return runSubscriber(ctx, cfg, logger)
	default:
		return fmt.Errorf("invalid mode: %s", mode)
	}
}

// runProbe captures packets and publishes them to NATS.
func runProbe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Capture.Interface == "" {
		return fmt.Errorf("--%s is required for pub mode", config.FlagInterface)
	}
	logger.Info().Str("iface", cfg.Capture.Interface).Msg("Starting ct-probe in PROBE mode")

	pub, err := probe.NewPublisher(cfg.Probe, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer pub.Close()

	reader, err := pcap.OpenLive(cfg.Capture.Interface, cfg.Capture.SnapshotLen, cfg.Capture.Promiscuous, logger)
	if err != nil {
		return err
	}
	defer reader.Close()

	return pump(ctx, reader, func(ev *model.PacketEvent, n uint64) {
		if err := pub.Publish(ev); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish packet")
		}
		if n%1000 == 0 {
			logger.Info().Uint64("packets", n).Msg("Packets published")
		}
	})
}

// runSubscriber prints the packets received from NATS.
func runSubscriber(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("Starting ct-probe in SUBSCRIBER mode")
	sub, err := probe.NewSubscriber(cfg.Probe, logger)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	defer sub.Close()

	return pump(ctx, sub, func(ev *model.PacketEvent, _ uint64) {
		logger.Info().
			Time("ts", ev.Timestamp).
			Str("proto", ev.Protocol.String()).
			Str("src", ev.Src.String()).
			Str("dst", ev.Dst.String()).
			Int("len", ev.TotalLen).
			Str("flags", ev.Flags.String()).
			Msg("Received packet")
	})
}

// pump runs source and hands every event to handle until ctx is done or the
// source ends.
func pump(ctx context.Context, source model.PacketSource, handle func(*model.PacketEvent, uint64)) error {
	g, gctx := errgroup.WithContext(ctx)
	events := make(chan *model.PacketEvent, 1024)
	g.Go(func() error {
		defer close(events)
		return source.Run(gctx, events)
	})
	g.Go(func() error {
		var n uint64
		for ev := range events {
			n++
			handle(ev, n)
		}
		return nil
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
