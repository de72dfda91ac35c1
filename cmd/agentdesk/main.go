// agentdesk runs the local console daemon of one support agent: it keeps
// the agent's pause lifecycle, watches chat and system alerts, and serves
// the browser console over HTTP and a WebSocket stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/agentdesk/internal/config"
	"github.com/nkkko/agentdesk/internal/engine"
	"github.com/nkkko/agentdesk/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("agentdesk", pflag.ContinueOnError)
	configFile, overrides := config.RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadConfig(*configFile, *overrides)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	loggingConfig := cfg.ToLoggingConfig()
	loggingConfig.Output = os.Stderr
	if err := logging.Setup(loggingConfig); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(cfg)
	if err != nil {
		return err
	}

	log.Info().Str("addr", cfg.Server.Addr).Msg("agentdesk starting")
	if err := e.Start(ctx); err != nil {
		return err
	}
	log.Info().Msg("agentdesk stopped")
	return nil
}
