package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"traceai/internal/config"
	"traceai/internal/fault"
	"traceai/internal/graph"
	"traceai/internal/ingest"
	"traceai/internal/knowledge"
	"traceai/internal/parser"
	"traceai/internal/storage"
	"traceai/internal/tools"
)

var (
	rootCmd = &cobra.Command{
		Use:           "traceai",
		Short:         "ETL intelligence: lineage, impact and discovery over pipeline artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	configPath string
	exitCode   int
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		switch fault.KindOf(err) {
		case fault.InvalidArgument:
			os.Exit(2)
		case fault.UnknownEntity:
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the configuration file")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(impactCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(searchCmd)

	ingestCmd.Flags().StringArrayVar(&ingestPatterns, "pattern", nil, "Glob pattern(s) selecting files; repeatable")
	traceCmd.Flags().StringVar(&traceDirection, "direction", "both", "upstream, downstream or both")
	traceCmd.Flags().IntVar(&traceDepth, "depth", 8, "Maximum lineage hops")
	depsCmd.Flags().StringVar(&depsDirection, "direction", "both", "upstream, downstream or both")
	searchCmd.Flags().IntVar(&searchTop, "top", 10, "Number of results")
}

// appState bundles the builder, the vector engine, and the optional
// persistent store behind one setup path shared by all commands.
type appState struct {
	cfg     *config.Config
	builder *graph.Builder
	engine  *knowledge.Engine
	store   *storage.SQLiteStore
	service *tools.Service
}

func openState(ctx context.Context, loadGraph bool) (*appState, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "load config %s", configPath)
	}

	st := &appState{cfg: cfg, builder: graph.NewBuilder()}

	embedder, err := knowledge.NewEmbedder(ctx, knowledge.EmbedderOptions{
		Provider:  cfg.AI.Provider,
		APIKey:    cfg.AI.APIKey,
		Model:     cfg.AI.Model,
		Dimension: cfg.AI.Dimension,
		BaseURL:   cfg.AI.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	var index knowledge.Index
	if cfg.Persist.Dir != "" {
		if err := os.MkdirAll(cfg.Persist.Dir, 0o755); err != nil {
			return nil, err
		}
		store, err := storage.NewSQLiteStore(filepath.Join(cfg.Persist.Dir, "traceai.db"))
		if err != nil {
			return nil, err
		}
		st.store = store
		index = store
		if loadGraph {
			dump, err := store.LoadGraph(ctx)
			if err != nil {
				store.Close()
				return nil, err
			}
			if len(dump.Nodes) > 0 {
				if err := st.builder.Import(dump); err != nil {
					store.Close()
					return nil, err
				}
			}
		}
	} else {
		index = knowledge.NewMemoryIndex()
	}

	st.engine, err = knowledge.NewEngine(embedder, index)
	if err != nil {
		return nil, err
	}
	st.service = tools.NewService(st.builder, st.engine)
	if cfg.Query.TraversalCap > 0 {
		st.service.SetTraversalCap(cfg.Query.TraversalCap)
	}
	return st, nil
}

func (st *appState) close() {
	if st.store != nil {
		st.store.Close()
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var ingestPatterns []string

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Parse a directory tree into the knowledge graph and vector index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openState(ctx, true)
		if err != nil {
			return err
		}
		defer st.close()

		registry := parser.BuildRegistry(parser.RegistryOptions{
			CobolFreeForm: st.cfg.Cobol.FreeForm,
		})
		patterns := ingestPatterns
		if len(patterns) == 0 {
			patterns = st.cfg.Project.Patterns
		}

		coordinator := ingest.NewCoordinator(registry, st.builder, st.engine)
		report, err := coordinator.Run(ctx, ingest.Options{
			Root:                 args[0],
			Patterns:             patterns,
			MaxConcurrentParsers: st.cfg.Ingest.MaxConcurrentParsers,
		})
		if err != nil {
			return err
		}

		if st.store != nil {
			if err := st.store.SaveGraph(ctx, st.builder.Export()); err != nil {
				return err
			}
			if err := storage.SaveJSONDump(filepath.Join(st.cfg.Persist.Dir, "graph.json"), st.builder.Export()); err != nil {
				return err
			}
			fmt.Printf("💾 Graph persisted to %s\n", st.cfg.Persist.Dir)
		}

		if err := printJSON(report); err != nil {
			return err
		}
		if report.PartialFailure() {
			exitCode = 4
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph statistics and the document catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer st.close()

		result, err := st.service.GraphStats(cmd.Context())
		if err != nil {
			return err
		}
		docs := st.builder.Snapshot().ListDocuments()
		catalog := make([]map[string]string, 0, len(docs))
		for _, d := range docs {
			catalog = append(catalog, map[string]string{
				"id":   d.ID,
				"name": d.Name,
				"kind": d.Props["document_kind"],
				"path": d.Props["source_path"],
			})
		}
		return printJSON(map[string]any{
			"stats":     result.Stats,
			"documents": catalog,
		})
	},
}

var (
	traceDirection string
	traceDepth     int
)

var traceCmd = &cobra.Command{
	Use:   "trace <entity>",
	Short: "Trace upstream/downstream lineage for a data entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer st.close()

		result, err := st.service.TraceLineage(cmd.Context(), tools.TraceLineageInput{
			EntityName: args[0],
			Direction:  traceDirection,
			MaxDepth:   &traceDepth,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var impactCmd = &cobra.Command{
	Use:   "impact <entity>",
	Short: "List components reading or writing a data entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer st.close()

		result, err := st.service.AnalyzeImpact(cmd.Context(), tools.AnalyzeImpactInput{
			EntityName: args[0],
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var depsDirection string

var depsCmd = &cobra.Command{
	Use:   "deps <component-id>",
	Short: "Walk execution dependencies of a component",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer st.close()

		result, err := st.service.FindDependencies(cmd.Context(), tools.FindDependenciesInput{
			ComponentID: args[0],
			Direction:   depsDirection,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var searchTop int

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Semantic discovery over the indexed graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer st.close()

		result, err := st.service.SemanticSearch(cmd.Context(), tools.SemanticSearchInput{
			Text: args[0],
			K:    &searchTop,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}
