// Package app assembles the process: configuration, logging, the
// upstream fleet, the tool surface, the script sandbox, the code
// generator, and the downstream meta-server, then runs it until a signal
// or the downstream client ends the session.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mcpman/mcpman/internal/codegen"
	"github.com/mcpman/mcpman/internal/config"
	"github.com/mcpman/mcpman/internal/logging"
	"github.com/mcpman/mcpman/internal/metaserver"
	"github.com/mcpman/mcpman/internal/sandbox"
	"github.com/mcpman/mcpman/internal/surface"
	"github.com/mcpman/mcpman/internal/upstream"
)

// AgentCommandEnv overrides the subordinate agent command line for the
// code tool, split on spaces.
const AgentCommandEnv = "MCPMAN_AGENT_COMMAND"

// Run wires everything together and serves the downstream client over
// stdio. It returns once the client disconnects or a termination signal
// arrives.
func Run() error {
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level: settings.Logging.Level,
		File:  settings.Logging.File,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configDir, err := config.Dir()
	if err != nil {
		return err
	}
	tokens, err := upstream.NewFileTokenStore(configDir)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}

	fleet := upstream.NewFleet(settings, upstream.FleetOptions{
		Logger:     logger,
		TokenStore: tokens,
		OnRedirect: func(url string) {
			logger.Info("authorization required; open this URL in a browser", "url", url)
		},
	})
	defer fleet.Disconnect()

	toolSurface := surface.New(fleet, logger)

	runtime := sandbox.New(sandbox.Options{
		Logger: logger,
		Globals: func(ctx context.Context) (*surface.Globals, error) {
			return toolSurface.GlobalContext(toolSurface.ServerProxies(ctx)), nil
		},
	})
	defer runtime.Close()

	generator := codegen.New(codegen.Options{
		Logger:       logger,
		AgentCommand: agentCommand(),
	})

	server := metaserver.New(metaserver.Options{
		Logger:       logger,
		Fleet:        fleet,
		Surface:      toolSurface,
		Runtime:      runtime,
		Generator:    generator,
		Settings:     settings,
		SaveSettings: config.Save,
	})
	defer server.Close()

	logger.Info("mcpman starting", "servers", len(settings.EnabledServers()))
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve downstream: %w", err)
	}
	logger.Info("mcpman stopped")
	return nil
}

func agentCommand() []string {
	if cmd := os.Getenv(AgentCommandEnv); cmd != "" {
		return strings.Fields(cmd)
	}
	return []string{"claude", "-p"}
}
