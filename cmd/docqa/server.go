package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/zh-he/docqa/internal/api"
	"github.com/zh-he/docqa/internal/app"
	"github.com/zh-he/docqa/internal/config"
	"github.com/zh-he/docqa/internal/index"
	"github.com/zh-he/docqa/internal/llm"
	"github.com/zh-he/docqa/internal/ollama"
	"github.com/zh-he/docqa/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docqa server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docqa system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docqa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	token := cfg.Server.APIToken
	if token == "" {
		if token, err = generateToken(); err != nil {
			return fmt.Errorf("generating API token: %w", err)
		}
		fmt.Fprintf(os.Stderr, "generated API token for this run: %s\n", token)
		fmt.Fprintln(os.Stderr, "set DOCQA_API_TOKEN to keep a stable token across restarts")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fail early if the embedding backend is a local Ollama that is down.
	if cfg.Embedding.Provider == "ollama" {
		if !ollama.New(cfg.Embedding.BaseURL).IsRunning(ctx) {
			return fmt.Errorf("ollama is not reachable at %s", cfg.Embedding.BaseURL)
		}
	}

	sessions, err := session.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	indexes, err := index.NewManager(cfg.Storage.DataDir, cfg.Retrieval.Scope, buildEmbedder(cfg), index.Options{
		MinScore: cfg.Retrieval.MinScore,
	})
	if err != nil {
		return fmt.Errorf("creating index manager: %w", err)
	}
	defer func() {
		if err := indexes.Close(); err != nil {
			slog.Warn("closing indexes", "error", err)
		}
	}()

	client, err := buildLLMClient(cfg)
	if err != nil {
		return err
	}

	application := app.New(cfg, sessions, indexes, client)
	handler := api.NewHandler(api.Deps{Service: application, Token: token})

	// MCP tools ride the stdio transport alongside the HTTP API.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Service: application, Searcher: application})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docqa listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildEmbedder(cfg config.Config) index.Embedder {
	if cfg.Embedding.Provider == "openai" {
		apiKey := cfg.Embedding.APIKey
		if apiKey == "" {
			apiKey = cfg.LLM.APIKey
		}
		return index.NewOpenAIEmbedder(apiKey, cfg.Embedding.BaseURL, cfg.Embedding.Model)
	}
	return index.NewOllamaEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.Model)
}

func buildLLMClient(cfg config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIOptions{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}), nil
	case "ollama":
		return llm.NewOllamaClient(cfg.LLM.BaseURL, cfg.LLM.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("LLM", "%s (%s)", cfg.LLM.Model, cfg.LLM.Provider)
	printStatus("Embeddings", "%s (%s)", cfg.Embedding.Model, cfg.Embedding.Provider)
	if cfg.Embedding.Provider == "ollama" || cfg.LLM.Provider == "ollama" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ollama.New(cfg.Embedding.BaseURL).IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Embedding.BaseURL)
		} else {
			printStatus("Ollama", "not running")
		}
	}
	printStatus("Index scope", "%s", cfg.Retrieval.Scope)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
