package main

import (
	"Go2ConnTrack/internal/api"
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/display"
	"Go2ConnTrack/internal/engine/manager"
	"Go2ConnTrack/internal/engine/sorter"
	"Go2ConnTrack/internal/logging"
	"Go2ConnTrack/internal/model"
	"Go2ConnTrack/pkg/pcap"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ct-analyzer -r capture.pcap",
	Short: "Replay a pcap file through the connection tracker and print a report",
	Long: `ct-analyzer feeds every packet of a capture file through the connection
table, using the capture timestamps as the clock, and prints every connection
seen. Nothing is purged during the replay.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	rootCmd.PersistentFlags().StringP(config.FlagConfig, "c", "", "config file (default configs/config.yaml when present)")
	f.StringP(config.FlagReadFile, "r", "", "pcap file to analyze (required)")
	f.BoolP(config.FlagDetectExisting, "d", true, "track TCP connections whose handshake is not in the capture")
	f.StringSlice(config.FlagLocalNet, nil, "networks treated as local (CIDR or address, repeatable)")
	f.StringSlice(config.FlagServerAddr, nil, "addresses always shown as the server side")
	f.BoolP(config.FlagNoResolve, "n", false, "do not resolve host and service names")
	f.String(config.FlagLogLevel, "info", "log level")
	f.String("sort", "bytes", "report order (none, rate, bytes, idle, active, first, host)")
	f.Int("limit", 0, "print at most this many connections (0 for all)")
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
	if cfg.Capture.ReadFile == "" {
		return fmt.Errorf("%w: --%s is required", config.ErrInvalid, config.FlagReadFile)
	}
	sortKey, err := sorter.ParseKey(v.GetString("sort"))
	if err != nil {
		return err
	}
	// Only the report is printed; the configured sinks still archive.
	cfg.API.Enabled = false
	logger := logging.NewWithComponent(logging.Config{Level: cfg.Log.Level, Pretty: true}, "ct-analyzer")

	reader, err := pcap.OpenOffline(cfg.Capture.ReadFile, logger)
	if err != nil {
		return err
	}
	defer reader.Close()

	mgr, err := manager.New(cfg, manager.Deps{Logger: logger, StopAtEOF: true})
	if err != nil {
		return err
	}
	mgr.Table().Purge(false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := mgr.Run(ctx, reader); err != nil {
		return err
	}
	logger.Info().Dur("elapsed", time.Since(start)).Uint64("skipped", reader.Skipped()).Msg("Replay finished")

	conns := mgr.Final()
	sorter.Sort(conns, sortKey)
	if limit := v.GetInt("limit"); limit > 0 && limit < len(conns) {
		conns = conns[:limit]
	}
	return report(os.Stdout, conns, api.Summarize(mgr.Final()))
}

func report(w io.Writer, conns []model.Connection, totals api.Totals) error {
	rows := make([][]string, 0, len(conns))
	for _, c := range conns {
		rows = append(rows, []string{
			c.Key.Client.String(),
			c.Key.Server.String(),
			c.Key.Protocol.String(),
			c.State.String(),
			strconv.FormatUint(c.Packets, 10),
			display.FormatBytes(float64(c.Bytes)),
			c.Duration().Round(time.Millisecond).String(),
			c.Names.ServerHost,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CLIENT", "SERVER", "PROTO", "STATE", "PACKETS", "BYTES", "DURATION", "SERVER HOST").
		Rows(rows...)

	_, err := fmt.Fprintf(w, "%s\n%d connections, %d packets, %s\n",
		t.Render(), len(rows), totals.Packets, display.FormatBytes(float64(totals.Bytes)))
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
