package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/qbrc-cnap/mev-procman/pkg/control"
	"github.com/qbrc-cnap/mev-procman/pkg/logging"
	"github.com/qbrc-cnap/mev-procman/pkg/supervisor"
)

type flagOptions struct {
	ConfigFile  string        `long:"config" short:"c" description:"path to the daemon configuration file" required:"true"`
	Validate    bool          `long:"validate" description:"validate the configuration and exit"`
	RunDuration time.Duration `long:"run-duration" description:"stop the daemon after this duration (testing)"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := supervisor.ValidateConfigFile(opts.ConfigFile); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		return
	}

	config, err := supervisor.LoadConfigFromFile(opts.ConfigFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := supervisor.ValidateConfig(config); err != nil {
		fmt.Printf("Configuration is invalid: %v\n", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.NewZapLogger("procmand , ", config.Supervisor.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLogger()

	if err := run(opts, config, logger); err != nil {
		logger.Errorf("Daemon failed: %v", err)
		closeLogger()
		os.Exit(1)
	}
}

func run(opts flagOptions, config *supervisor.Config, logger logging.Logger) error {
	summary := supervisor.GetConfigSummary(config)
	logger.Infof("Configuration loaded: %d programs, control API on %s",
		summary.ProgramCount, summary.ListenAddress)

	sv := supervisor.NewSupervisor(config.Supervisor, logger)
	for _, prog := range config.Programs {
		if err := sv.AddProgram(prog); err != nil {
			return err
		}
	}

	server := control.NewServer(sv, config.Supervisor.ListenAddress, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	go sv.StartAll(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	var timeout <-chan time.Time
	if opts.RunDuration > 0 {
		logger.Infof("Daemon will stop after %v", opts.RunDuration)
		timeout = time.After(opts.RunDuration)
	}

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				logger.Infof("Received SIGHUP, reloading configuration")
				reload(sv, opts.ConfigFile, logger)
				continue
			}
			logger.Infof("Received signal %v, shutting down", sig)
			return shutdown(sv, server, logger)
		case <-timeout:
			logger.Infof("Run duration elapsed, shutting down")
			return shutdown(sv, server, logger)
		case err := <-serverErr:
			if err != nil {
				sv.StopAll(context.Background())
				return err
			}
		}
	}
}

// reload re-reads the configuration file and applies the new program set.
// A broken file leaves the running set untouched.
func reload(sv *supervisor.Supervisor, configFile string, logger logging.Logger) {
	config, err := supervisor.LoadConfigFromFile(configFile)
	if err != nil {
		logger.Errorf("Reload failed, keeping current programs: %v", err)
		return
	}
	if err := supervisor.ValidateConfig(config); err != nil {
		logger.Errorf("Reload failed, keeping current programs: %v", err)
		return
	}
	if err := sv.Reload(context.Background(), config.Programs); err != nil {
		logger.Errorf("Reload failed: %v", err)
	}
}

func shutdown(sv *supervisor.Supervisor, server *control.Server, logger logging.Logger) error {
	sv.StopAll(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Control API shutdown failed: %v", err)
	}

	logger.Infof("Daemon stopped")
	return nil
}
