package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	ssdpadapter "github.com/renfield/mcp-dlna/internal/adapters/ssdp"
	"github.com/renfield/mcp-dlna/internal/buildinfo"
	"github.com/renfield/mcp-dlna/internal/diagnostics"
	"github.com/renfield/mcp-dlna/internal/discovery"
	"github.com/renfield/mcp-dlna/internal/lifecycle"
	"github.com/renfield/mcp-dlna/internal/mcpserver"
	"github.com/renfield/mcp-dlna/internal/playback"
)

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Wiring struct {
		DiscoveryWired bool `json:"discovery_wired"`
		PlaybackWired  bool `json:"playback_wired"`
	} `json:"wiring"`
	Network diagnostics.NetworkReport `json:"network"`
}

func main() {
	selfTest := flag.Bool("self-test", false, "run network and wiring diagnostics then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	logLevel := parseLogLevel(os.Getenv("MCP_DLNA_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	discoverySvc := discovery.NewService(ssdpadapter.SearchAdapter{}, logger)
	playbackMgr := playback.NewManager(discoverySvc, logger)
	discoverySvc.SetSessionGuard(playbackMgr.Holds)

	if *selfTest {
		out := selfTestOutput{
			Network: diagnostics.DetectNetwork(),
		}
		out.Server.Name = "mcp-dlna"
		out.Server.Version = buildinfo.Version
		out.Wiring.DiscoveryWired = discoverySvc != nil
		out.Wiring.PlaybackWired = playbackMgr != nil

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	logger.Info(
		"mcp_server_start",
		slog.String("server", "mcp-dlna"),
		slog.String("version", buildinfo.Version),
		slog.String("log_level", logLevel.String()),
	)

	srv := mcpserver.New(os.Stdin, os.Stdout, mcpserver.Config{
		ServerName:    "mcp-dlna",
		ServerVersion: buildinfo.Version,
		Logger:        logger,
		Directory:     discoverySvc,
		Controller:    playbackMgr,
	})

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- srv.Run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case <-runCtx.Done():
		runErr = runCtx.Err()
	}
	if runErr != nil {
		logger.Warn("mcp_server_stopping", slog.String("reason", runErr.Error()))
	} else {
		logger.Info("mcp_server_stopping", slog.String("reason", "clean_eof"))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := playbackMgr.Close(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid MCP_DLNA_LOG_LEVEL=%q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
