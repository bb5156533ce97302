package main

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/display"
	"Go2ConnTrack/internal/engine/manager"
	"Go2ConnTrack/internal/engine/sorter"
	"Go2ConnTrack/internal/logging"
	"Go2ConnTrack/internal/model"
	"Go2ConnTrack/internal/probe"
	"Go2ConnTrack/pkg/pcap"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ct-top",
	Short: "Display TCP and UDP connections seen on a network interface",
	Long: `ct-top watches the connections on an interface, or in a capture file, and
shows their state, idle time and throughput in a continuously refreshed table.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	rootCmd.PersistentFlags().StringP(config.FlagConfig, "c", "", "config file (default configs/config.yaml when present)")
	f.StringP(config.FlagInterface, "i", "", "interface to capture on")
	f.StringP(config.FlagReadFile, "r", "", "read packets from a pcap file")
	f.Int32(config.FlagSnaplen, 1600, "capture snapshot length")
	f.Bool(config.FlagPromiscuous, false, "capture in promiscuous mode")
	f.Bool("nats", false, "read packets published by ct-probe instead of capturing")
	f.String(config.FlagNATS, "", "NATS server URL")
	f.String(config.FlagSubject, "", "NATS subject")
	f.Duration(config.FlagInterval, time.Second, "refresh interval")
	f.Duration(config.FlagRemoveTimeout, 10*time.Second, "idle time after which connections are removed")
	f.BoolP(config.FlagDetectExisting, "d", true, "track TCP connections that were open before capture started")
	f.StringSlice(config.FlagLocalNet, nil, "networks treated as local (CIDR or address, repeatable)")
	f.StringSlice(config.FlagServerAddr, nil, "addresses always shown as the server side")
	f.BoolP(config.FlagNoResolve, "n", false, "do not resolve host and service names")
	f.Bool(config.FlagAPI, false, "serve the HTTP API")
	f.String(config.FlagListen, ":8080", "HTTP API listen address")
	f.String(config.FlagLogLevel, "info", "log level")
	f.String(config.FlagLogFile, "", "write logs to this file (logs are discarded otherwise)")
	f.String("sort", "none", "initial sort key (none, rate, bytes, idle, active, first, host)")
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
	sortKey, err := sorter.ParseKey(v.GetString("sort"))
	if err != nil {
		return err
	}

	// The dashboard owns the terminal: logs go to a file or nowhere.
	logOut, err := logging.OpenFile(cfg.Log.File)
	if err != nil {
		return err
	}
	defer logOut.Close()
	logger := logging.NewWithComponent(logging.Config{Level: cfg.Log.Level, Output: logOut}, "ct-top")

	source, err := openSource(cfg, v.GetBool("nats"), logger)
	if err != nil {
		return err
	}
	defer source.Close()

	// Fatal errors can be raised from the UI goroutine itself (a snapshot
	// taken in Update), so the message must not be sent synchronously.
	var prog *tea.Program
	deps := manager.Deps{
		Logger: logger,
		OnFatal: func(err error) {
			if prog != nil {
				go prog.Send(display.FatalMsg{Err: err})
			}
		},
	}
	if cfg.Capture.Interface != "" {
		if deps.LocalAddrs, err = pcap.LocalAddrs(cfg.Capture.Interface); err != nil {
			logger.Warn().Err(err).Msg("Could not read interface addresses")
		}
	}
	mgr, err := manager.New(cfg, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prog = tea.NewProgram(display.New(mgr.Table(), sortKey), tea.WithAltScreen(), tea.WithContext(ctx))
	errCh := make(chan error, 1)
	go func() {
		err := mgr.Run(ctx, source)
		if err != nil {
			go prog.Send(display.FatalMsg{Err: err})
		}
		errCh <- err
	}()

	final, uiErr := prog.Run()
	stop()
	runErr := <-errCh

	if fm, ok := final.(display.Model); ok && fm.Err() != nil {
		return fm.Err()
	}
	if runErr != nil {
		return runErr
	}
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
		return uiErr
	}
	return nil
}

func openSource(cfg *config.Config, useNATS bool, logger zerolog.Logger) (model.PacketSource, error) {
	switch {
	case useNATS:
		return probe.NewSubscriber(cfg.Probe, logger)
	case cfg.Capture.ReadFile != "":
		return pcap.OpenOffline(cfg.Capture.ReadFile, logger)
	case cfg.Capture.Interface != "":
		return pcap.OpenLive(cfg.Capture.Interface, cfg.Capture.SnapshotLen, cfg.Capture.Promiscuous, logger)
	default:
		return nil, fmt.Errorf("%w: one of --interface, --read-file or --nats is required", config.ErrInvalid)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
