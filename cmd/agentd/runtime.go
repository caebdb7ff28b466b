package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/agentd/internal/config"
	"github.com/vinayprograms/agentd/internal/conversation"
	"github.com/vinayprograms/agentd/internal/delegate"
	"github.com/vinayprograms/agentd/internal/engine"
	"github.com/vinayprograms/agentd/internal/job"
	"github.com/vinayprograms/agentd/internal/journal"
	"github.com/vinayprograms/agentd/internal/procsession"
	"github.com/vinayprograms/agentd/internal/roles"
	"github.com/vinayprograms/agentd/internal/server"
	"github.com/vinayprograms/agentd/internal/tools"
)

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func (c *ServeCmd) Run() error {
	cfg, err := config.LoadFile(c.Config)
	if os.IsNotExist(err) {
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	logger := logging.New().WithComponent("agentd")

	// Telemetry exporter
	var telem telemetry.Exporter
	if cfg.Telemetry.Enabled {
		telem, err = telemetry.NewExporter(cfg.Telemetry.Protocol, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("error creating telemetry exporter: %w", err)
		}
	} else {
		telem = telemetry.NewNoopExporter()
	}
	defer telem.Close()

	// Storage: transcripts live under <storage>/transcripts when
	// persistence is on; a nil journal disables them without branching at
	// every call site.
	var transcripts *journal.Journal
	if cfg.Storage.Persist {
		storagePath := expandHome(cfg.Storage.Path)
		if err := os.MkdirAll(storagePath, 0755); err != nil {
			return fmt.Errorf("error creating storage directory: %w", err)
		}
		transcripts, err = journal.Open(filepath.Join(storagePath, "transcripts"))
		if err != nil {
			return fmt.Errorf("error opening transcript store: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Role registry, optionally hot-reloaded
	roleRegistry := roles.NewRegistry(cfg.Roles.Path)
	if cfg.Roles.Path != "" {
		if err := roleRegistry.Reload(); err != nil {
			return fmt.Errorf("error loading roles: %w", err)
		}
		if cfg.Roles.Watch {
			go func() {
				if err := roleRegistry.Watch(ctx, logger); err != nil {
					logger.Warn("role watcher stopped", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}

	// Background process sessions
	procSessions := procsession.NewRegistry(procsession.Options{
		Allow:       cfg.CommandAllowed,
		MaxSessions: cfg.Process.MaxSessions,
		BufferLimit: cfg.Process.BufferLimit,
	})
	defer procSessions.StopAll()

	toolsFor := func(workDir string) *tools.Registry {
		if workDir == "" {
			workDir, _ = os.Getwd()
		}
		registry := tools.NewRegistry()
		tools.RegisterFileTools(registry, workDir)
		tools.RegisterProcessTools(registry, procSessions, workDir)
		return registry
	}

	factory := engineFactory(cfg)
	delegates := delegate.NewExecutor(cfg.Delegation, roleRegistry, factory, toolsFor(""), transcripts)

	jobs := job.NewService(job.Options{
		Engine:       factory,
		ToolsFor:     toolsFor,
		Journal:      transcripts,
		SingleJob:    cfg.Server.SingleJob,
		DefaultModel: cfg.LLM.Model,
	})
	convOpts := conversation.Options{
		Engine:       factory,
		ToolsFor:     toolsFor,
		Delegates:    delegates,
		Journal:      transcripts,
		DefaultModel: cfg.LLM.Model,
	}
	if cfg.Server.SingleJob {
		convOpts.Busy = jobs.Busy
	}
	conversations := conversation.NewService(convOpts)

	srv := server.New(cfg.Server.Addr, conversations, jobs, roleRegistry)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("agentd started", map[string]interface{}{
		"addr":    cfg.Server.Addr,
		"version": version,
	})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("agentd stopped", nil)
	return nil
}

// engineFactory builds one engine per model against the configured
// provider.
func engineFactory(cfg *config.Config) engine.Factory {
	return func(model string) (engine.Engine, error) {
		if model == "" {
			model = cfg.LLM.Model
		}
		providerName := cfg.LLM.Provider
		if providerName == "" {
			providerName = llm.InferProviderFromModel(model)
		}
		if providerName == "" || model == "" {
			return nil, fmt.Errorf("LLM model not configured")
		}
		apiKey := ""
		if globalCreds != nil {
			apiKey = globalCreds.GetAPIKey(providerName)
		}
		if apiKey == "" {
			apiKey = cfg.GetAPIKey()
		}
		provider, err := llm.NewProvider(llm.ProviderConfig{
			Provider:    providerName,
			Model:       model,
			APIKey:      apiKey,
			MaxTokens:   cfg.LLM.MaxTokens,
			BaseURL:     cfg.LLM.BaseURL,
			Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(cfg.LLM.Thinking)},
			RetryConfig: parseRetryConfig(cfg.LLM.MaxRetries, cfg.LLM.RetryBackoff),
		})
		if err != nil {
			return nil, err
		}
		return engine.New(provider), nil
	}
}

// parseRetryConfig converts config values to RetryConfig.
func parseRetryConfig(maxRetries int, backoffStr string) llm.RetryConfig {
	cfg := llm.RetryConfig{
		MaxRetries: maxRetries,
	}
	if backoffStr != "" {
		if d, err := time.ParseDuration(backoffStr); err == nil {
			cfg.MaxBackoff = d
		}
	}
	return cfg
}

// expandHome resolves a leading ~ in a path.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// Run prints version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("agentd version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
