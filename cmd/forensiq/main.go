// forensiq is a forensic artifact pipeline: it stages artifacts out of
// disk images, normalizes them with external tools, loads them into a
// search store, and answers investigator questions with a tool-calling
// model loop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forensiq/internal/agent"
	"forensiq/internal/collector"
	"forensiq/internal/config"
	"forensiq/internal/loader"
	"forensiq/internal/logging"
	"forensiq/internal/parser"
	"forensiq/internal/query"
	"forensiq/internal/store"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "forensiq",
	Short: "Forensic artifact ingestion and investigation",
	Long: `forensiq stages Windows artifacts out of disk images, parses them
with external tooling, loads them into Elasticsearch (or a local SQLite
fallback), and investigates cases with an AI agent over the loaded data.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return logging.Initialize(cfg.Logging.Dir, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "forensiq.yaml", "path to configuration file")

	rootCmd.AddCommand(caseCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(suspiciousCmd)
	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(watchCmd)
}

// app wires the stores, parsers, and facade for one command run.
type app struct {
	sqlite   *store.SQLiteStore
	router   *store.Router
	parsers  *parser.Registry
	pipeline *loader.Pipeline
	facade   *query.Facade
}

func newApp() (*app, error) {
	sqlite, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var primary store.Store
	if cfg.Elastic.URL != "" {
		zlog, zerr := zap.NewProduction()
		if cfg.Logging.DebugMode {
			zlog, zerr = zap.NewDevelopment()
		}
		if zerr != nil {
			zlog = zap.NewNop()
		}
		primary = store.NewElastic(cfg.Elastic.URL, cfg.GetElasticTimeout(), zlog)
	}

	router := store.NewRouter(primary, sqlite)
	parsers := buildParsers()
	pipeline := loader.NewPipeline(parsers, loader.New(router), router)

	return &app{
		sqlite:   sqlite,
		router:   router,
		parsers:  parsers,
		pipeline: pipeline,
		facade:   query.New(router),
	}, nil
}

func (a *app) Close() {
	if err := a.sqlite.Close(); err != nil {
		logging.Store("close database: %v", err)
	}
}

func buildParsers() *parser.Registry {
	runner := parser.NewRunner(cfg.GetToolTimeout())
	slow := parser.NewRunner(cfg.GetSlowToolTimeout())

	reg := parser.NewRegistry()
	reg.MustRegister(parser.NewPrefetchParser(cfg.Tools.Prefetch, runner))
	reg.MustRegister(parser.NewEventLogParser(cfg.Tools.EventLog, slow))
	reg.MustRegister(parser.NewRegistryParser(cfg.Tools.Registry, slow))
	reg.MustRegister(parser.NewBrowserParser())
	reg.MustRegister(parser.NewLNKParser(cfg.Tools.LNK, runner))
	return reg
}

func newCollector() *collector.Collector {
	return &collector.Collector{
		StagingDir: cfg.Collector.StagingDir,
		MMLS:       cfg.Collector.MMLS,
		FLS:        cfg.Collector.FLS,
		ICAT:       cfg.Collector.ICAT,
		Patterns:   cfg.Collector.Patterns,
		Timeout:    cfg.GetCollectorTimeout(),
	}
}

func newAgentLoop(facade *query.Facade, caseID string) (*agent.Loop, error) {
	if err := cfg.ValidateLLM(); err != nil {
		return nil, err
	}
	client, err := agent.NewClient(agent.ClientOptions{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.GetLLMTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return agent.NewLoop(client, agent.CaseTools(facade, caseID), agent.LoopOptions{
		MaxRounds:     cfg.Agent.MaxRounds,
		HistoryWindow: cfg.Agent.HistoryWindow,
		ToolTimeout:   cfg.GetAgentToolTimeout(),
		MaxTokens:     cfg.LLM.MaxTokens,
		System:        investigatorPrompt(caseID),
	}), nil
}

func investigatorPrompt(caseID string) string {
	return fmt.Sprintf(`You are a digital forensics investigator analyzing case %s.
You have tools that search and aggregate the case's loaded Windows artifacts:
prefetch execution evidence, event logs, registry values, browser history,
and shortcut (LNK) files. Ground every claim in tool results, cite the
records that support it, and state clearly when the evidence is inconclusive.`, caseID)
}
