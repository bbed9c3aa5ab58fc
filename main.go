package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c35s/vio/config"
	"github.com/c35s/vio/stats"
	"github.com/c35s/vio/vmm"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {

	var (
		configPath = flag.String("config", "vio.yaml", "load the machine description from file")
		logFormat  = flag.String("log-format", "auto", "log as text or json; auto picks text on a terminal")
		logLevel   = flag.String("log-level", "info", "log at debug, info, warn or error")
	)

	flag.Parse()

	if err := setupLogging(*logFormat, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(*configPath); err != nil {
		slog.Error("vio failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	mcfg, err := machineConfig(cfg)
	if err != nil {
		return err
	}

	m, err := vmm.New(mcfg)
	if err != nil {
		return err
	}

	defer m.Close()

	if cfg.Console.Stdio && term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return err
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	for _, di := range m.Info().Devices {
		slog.Info("device ready", "dev", di.Name, "type", di.Type, "slot", di.Slot, "irq", di.IRQ, "addr", fmt.Sprintf("%#x", di.Addr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error { return stats.Run(ctx, cfg.Stats, metrics.DefaultRegistry) })

	return g.Wait()
}

// machineConfig turns a config file into a machine description.
func machineConfig(cfg *config.Config) (vmm.Config, error) {
	memSize, err := cfg.MemSize()
	if err != nil {
		return vmm.Config{}, err
	}

	mcfg := vmm.Config{
		Name:     cfg.Name,
		MemSize:  memSize,
		VCPUs:    cfg.VCPUs,
		Switches: cfg.Switches,
	}

	if cfg.Console.Stdio {
		mcfg.ConsoleIn = os.Stdin
		mcfg.ConsoleOut = os.Stdout
	}

	for _, d := range cfg.Devices {
		mcfg.Devices = append(mcfg.Devices, vmm.DeviceConfig{Name: d.Name, Attrs: d.Attrs()})
	}

	return mcfg, nil
}

func setupLogging(format, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("bad log level %q: %w", level, err)
	}

	if format == "auto" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))

	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))

	default:
		return fmt.Errorf("bad log format %q", format)
	}

	return nil
}
