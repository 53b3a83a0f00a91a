// Command gdbstubserver hosts a GDB Remote Serial Protocol debug server over
// TCP, backed by the in-memory reference Target in internal/gdbstub/testtarget.
// Grounded on the reference codebase's cmd/gdb-rsp-server: stdlib flag CLI,
// JSON config, context+signal.NotifyContext graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sysprogs/gdbstub/internal/cliutil"
	"github.com/sysprogs/gdbstub/internal/gdbstub"
	"github.com/sysprogs/gdbstub/internal/gdbstub/testtarget"
)

func main() {
	var (
		addr       string
		configPath string
		verbose    bool
		debug      bool
		minVer     string
		jsonVer    bool
		showVer    bool
	)

	flag.StringVar(&addr, "addr", "", fmt.Sprintf("listen address for RSP (tcp); overrides config, defaults to :%d", gdbstub.DefaultPort))
	flag.StringVar(&configPath, "config", "", "path to JSON config file (listen address, memory regions)")
	flag.BoolVar(&verbose, "verbose", false, "enable info-level logging")
	flag.BoolVar(&debug, "debug", false, "enable debug-level protocol logging")
	flag.StringVar(&minVer, "min-protocol-version", "", "reject qSupported negotiation below this semver constraint, e.g. \">=1.0.0\"")
	flag.BoolVar(&jsonVer, "json", false, "emit --version output as JSON")
	flag.BoolVar(&showVer, "version", false, "print version information and exit")
	flag.Parse()

	if showVer {
		cliutil.PrintVersion("gdbstubserver", jsonVer)
		return
	}

	cfg, err := cliutil.LoadConfig(configPath)
	if err != nil {
		cliutil.ExitWithError("loading config: %v", err)
	}

	if verbose {
		cfg.Verbose = true
	}

	if debug {
		cfg.Debug = true
	}

	if minVer != "" {
		cfg.MinProtocolVersion = minVer
	}

	if addr != "" {
		cfg.ListenAddr = addr
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", gdbstub.DefaultPort)
	}

	logger := cliutil.NewLogger(cfg.Verbose, cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	demoTarget := testtarget.New()
	if len(cfg.MemoryRegions) > 0 {
		demoTarget.SetMemoryRegions(convertMemoryRegions(cfg.MemoryRegions))
	}

	factory := &demoFactory{target: demoTarget}

	var opts []gdbstub.ServerOption

	opts = append(opts, gdbstub.WithServerLogger(logger))

	if cfg.MinProtocolVersion != "" {
		opts = append(opts, gdbstub.WithServerMinProtocolVersion(cfg.MinProtocolVersion))
	}

	srv := gdbstub.NewServer(factory, opts...)

	watchDone := make(chan struct{})
	stopWatch, err := cfg.WatchConfig(logger, func(reloaded *cliutil.Config) {
		logger.Info("config reloaded from %s", configPath)

		if len(reloaded.MemoryRegions) > 0 {
			demoTarget.SetMemoryRegions(convertMemoryRegions(reloaded.MemoryRegions))
		}
	}, watchDone)
	if err != nil {
		logger.Warn("config hot-reload disabled: %v", err)
	}

	defer func() {
		close(watchDone)
		if stopWatch != nil {
			stopWatch()
		}
	}()

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe(ctx, cfg.ListenAddr)
	}()

	fmt.Printf("gdbstub server listening on %s\n", cfg.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cliutil.HandleError(err, logger)
		}
	}

	fmt.Println("gdbstub server stopped")
}

// demoFactory hands out the single process-lifetime testtarget.Target
// instance: the demo CLI models one long-lived debuggee, re-attached to by
// successive debugger sessions, rather than spawning a fresh debuggee per
// connection.
type demoFactory struct {
	target *testtarget.Target
}

func (f *demoFactory) NewSession() (gdbstub.Target, error) {
	return f.target, nil
}

func (f *demoFactory) ReleaseSession(gdbstub.Target) {}

// convertMemoryRegions adapts the JSON-persisted config shape into the
// gdbstub.MemoryRegion table the demo Target serves over qXfer:memory-map.
func convertMemoryRegions(in []cliutil.MemoryRegionConfig) []gdbstub.MemoryRegion {
	out := make([]gdbstub.MemoryRegion, 0, len(in))

	for _, r := range in {
		typ := gdbstub.MemoryRegionRAM
		if r.Type == "flash" {
			typ = gdbstub.MemoryRegionFlash
		}

		out = append(out, gdbstub.MemoryRegion{
			Type:           typ,
			Start:          r.Start,
			Length:         r.Length,
			EraseBlockSize: r.EraseBlockSize,
		})
	}

	return out
}
