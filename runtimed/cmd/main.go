package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/scusemua/gpu-mux/common/configuration"
	"github.com/scusemua/gpu-mux/runtimed/daemon"
)

var (
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	opts := configuration.NewRuntimeOptions()
	if configPath != "" {
		loaded, err := configuration.LoadRuntimeOptions(configPath)
		if err != nil {
			globalLogger.Error("Failed to load configuration file \"%s\": %v", configPath, err)
			os.Exit(1)
		}
		opts = loaded
	}

	globalLogger.Info("Runtime options: %s", opts.PrettyString(2))

	// The numerical-library adapters are wired in by the embedding process; the
	// standalone daemon runs without paging.
	runtimeDaemon, err := daemon.New(opts, nil, nil)
	if err != nil {
		globalLogger.Error("Failed to create runtime daemon: %v", err)
		os.Exit(1)
	}

	if err = runtimeDaemon.Start(configPath); err != nil {
		globalLogger.Error("Failed to start runtime daemon: %v", err)
		os.Exit(1)
	}

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	globalLogger.Info("Received signal %v. Shutting down.", received)

	if err = runtimeDaemon.Stop(); err != nil {
		globalLogger.Error("Error during shutdown: %v", err)
		os.Exit(1)
	}
}
