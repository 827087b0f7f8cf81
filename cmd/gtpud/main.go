package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/katalix/gtpud/config"
	"github.com/katalix/gtpud/gtp"
)

type application struct {
	config   *config.Config
	logger   log.Logger
	registry *gtp.Registry
	server   *gtp.Server
}

func newApplication(configPath, controlAddrOverride string, verbose, nullDataplane bool) (*application, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	if verbose || cfg.LogVerbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	var dp gtp.DataPlane
	if nullDataplane {
		dp = gtp.NewNullDataPlane()
	} else {
		dp = gtp.NewLinuxDataPlane()
	}

	registry := gtp.NewRegistry(logger, dp)
	supervisor := gtp.NewSupervisor(logger, cfg.EnvWhitelist)

	addr := cfg.ControlAddr
	if controlAddrOverride != "" {
		addr = controlAddrOverride
	}

	server, err := gtp.NewServer(logger, addr, registry, supervisor)
	if err != nil {
		return nil, fmt.Errorf("failed to create control server: %v", err)
	}

	return &application{
		config:   cfg,
		logger:   logger,
		registry: registry,
		server:   server,
	}, nil
}

func (app *application) run() int {
	level.Info(app.logger).Log("msg", "gtpud starting", "addr", app.server.Addr())
	app.server.Serve()
	level.Info(app.logger).Log("msg", "gtpud stopped")
	return 0
}

func main() {
	cfgPathPtr := flag.String("config", "/etc/gtpud/gtpud.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	controlAddrPtr := flag.String("control-addr", "", "override the control channel bind address")
	nullDataPlanePtr := flag.Bool("null-dataplane", false, "toggle null data plane (no root privileges required)")
	flag.Parse()

	app, err := newApplication(*cfgPathPtr, *controlAddrPtr, *verbosePtr, *nullDataPlanePtr)
	if err != nil {
		stdlog.Fatalf("failed to instantiate application: %v", err)
	}

	os.Exit(app.run())
}
