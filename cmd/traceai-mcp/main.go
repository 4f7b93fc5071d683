package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"

	"traceai/internal/config"
	"traceai/internal/graph"
	"traceai/internal/knowledge"
	"traceai/internal/mcpserver"
	"traceai/internal/storage"
	"traceai/internal/tools"
)

const serverVersion = "0.1.0"

// traceai-mcp serves the six tool-surface operations over MCP stdio so
// an external LLM planner can drive them. The graph is loaded once from
// the persisted store at startup.
func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Persist.Dir == "" {
		return fmt.Errorf("persist.dir must be configured; run `traceai ingest` with persistence first")
	}

	store, err := storage.NewSQLiteStore(filepath.Join(cfg.Persist.Dir, "traceai.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	builder := graph.NewBuilder()
	dump, err := store.LoadGraph(ctx)
	if err != nil {
		return err
	}
	if len(dump.Nodes) > 0 {
		if err := builder.Import(dump); err != nil {
			return err
		}
	}

	embedder, err := knowledge.NewEmbedder(ctx, knowledge.EmbedderOptions{
		Provider:  cfg.AI.Provider,
		APIKey:    cfg.AI.APIKey,
		Model:     cfg.AI.Model,
		Dimension: cfg.AI.Dimension,
		BaseURL:   cfg.AI.BaseURL,
	})
	if err != nil {
		return err
	}
	engine, err := knowledge.NewEngine(embedder, store)
	if err != nil {
		return err
	}

	svc := tools.NewService(builder, engine)
	if cfg.Query.TraversalCap > 0 {
		svc.SetTraversalCap(cfg.Query.TraversalCap)
	}

	s := server.NewMCPServer("traceai", serverVersion,
		server.WithToolCapabilities(false),
	)
	mcpserver.Register(s, svc)

	stats := builder.Snapshot().Stats()
	log.Printf("traceai-mcp: serving %d nodes, %d edges over stdio", stats.Nodes, stats.Edges)
	return server.ServeStdio(s)
}
