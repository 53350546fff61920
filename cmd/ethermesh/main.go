// Command ethermesh runs an overlay node: it joins the mesh over UDP and
// bridges a local TAP interface into the shared virtual network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/ethermesh/ethermesh/mesh/config"
	"github.com/ethermesh/ethermesh/mesh/engine"
	"github.com/ethermesh/ethermesh/mesh/identity"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	listenAddr := flag.String("listen", "", "UDP listen address (overrides config)")
	deviceName := flag.String("device", "", "TAP interface name (overrides config)")
	seeds := flag.String("seeds", "", "comma-separated seed addresses (overrides config)")
	logLevel := flag.String("log", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *deviceName != "" {
		cfg.DeviceName = *deviceName
	}
	if *seeds != "" {
		cfg.Seeds = strings.Split(*seeds, ",")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		NoColor: !term.IsTerminal(int(os.Stderr.Fd())),
		Level:   level,
	}))
	slog.SetDefault(log)

	key, err := identity.LoadOrCreateKeyFile(cfg.KeyFile)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("key file %s: %w", cfg.KeyFile, err)
		}
		return err
	}
	log.Info("identity loaded",
		slog.String("peer", key.PeerID().String()),
		slog.String("key_file", cfg.KeyFile))

	sock, err := engine.ListenUDP(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.ListenAddr, err)
	}

	dev, err := newTapDevice(cfg.DeviceName, cfg.DeviceAddr)
	if err != nil {
		sock.Close()
		return err
	}
	log.Info("device ready",
		slog.String("device", cfg.DeviceName),
		slog.String("mac", dev.LocalAddress().String()))

	eng := engine.New(cfg, log, key, sock, dev)
	eng.AddLocalAddress(dev.LocalAddress())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return eng.Run(ctx)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
