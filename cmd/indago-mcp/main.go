package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/indago/internal/app"
	"github.com/ternarybob/indago/internal/common"
)

func main() {
	configPath := os.Getenv("INDAGO_CONFIG")
	if configPath == "" {
		configPath = "indago.toml"
	}
	if _, err := os.Stat(configPath); err != nil && os.Getenv("INDAGO_CONFIG") == "" {
		// Fall back to pure defaults + env when no config file is present
		configPath = ""
	}

	config, err := common.LoadFromFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Warn-level console logger to keep MCP stdio clean
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	// The dispatcher and outbox pump run inside this process; the agent's
	// enqueued work executes while the stdio session is open
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = application.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start application")
	}

	mcpServer := server.NewMCPServer(
		"indago",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	if err := registerTools(mcpServer, application.Router, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register tools")
	}

	// Blocks on stdio until the client disconnects
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
