package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/breaker"
	"github.com/haasonsaas/warden/internal/catalog"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/guardrail"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/permission"
	"github.com/haasonsaas/warden/internal/pipeline"
	"github.com/haasonsaas/warden/internal/storage"
)

const defaultConfigName = "warden.yaml"

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigName {
		if env := strings.TrimSpace(os.Getenv("WARDEN_CONFIG")); env != "" {
			return env
		}
		return defaultConfigName
	}
	return path
}

func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

func loadCatalog(cfg *config.Config) (catalog.Catalog, error) {
	if cfg.CatalogPath != "" {
		return catalog.Load(cfg.CatalogPath)
	}
	return catalog.NewStaticCatalog(nil, nil)
}

// openStores opens the configured persistence backend. The returned close
// function is a no-op for the memory driver.
func openStores(cfg *config.Config) (*storage.Stores, func() error, error) {
	switch cfg.Database.Driver {
	case "memory":
		return storage.NewMemoryStores(), func() error { return nil }, nil
	default:
		db, err := storage.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		return db.Stores(), db.Close, nil
	}
}

// loadPermissionEngine builds a permission engine from the catalog and,
// when configured, the profiles file.
func loadPermissionEngine(cfg *config.Config, cat catalog.Catalog, logger *slog.Logger) (*permission.Engine, error) {
	engine := permission.NewEngine(cat, permission.WithLogger(logger))
	if cfg.ProfilesPath != "" {
		profiles, err := config.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			return nil, err
		}
		engine.SetProfiles(profiles)
	}
	return engine, nil
}

// buildServeCmd creates the "serve" command running the governance service.
func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governance service",
		Long: `Run the Warden governance service.

Serve wires the configured storage backend, the permission engine, the
tool-call pipeline, and the anomaly detection loop, exposes Prometheus
metrics, and shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	permEngine, err := loadPermissionEngine(cfg, cat, logger)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "warden",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	guard := guardrail.New(stores.Rules, stores.Interventions, stores.Activity,
		guardrail.WithLogger(logger),
		guardrail.WithOrg(cfg.OrgID),
		guardrail.WithInterval(cfg.Detection.Interval),
	)
	if err := seedRules(ctx, guard, stores.Rules, cfg); err != nil {
		return fmt.Errorf("seed detection rules: %w", err)
	}
	if err := guard.Start(ctx); err != nil {
		return fmt.Errorf("start detection loop: %w", err)
	}

	auditLogger := audit.New(stores.Audit,
		audit.WithLogger(logger),
		audit.WithBufferSize(cfg.Audit.BufferSize),
	)

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		CallTimeout:      cfg.Breaker.CallTimeout,
		OnStateChange: func(name, from, to string) {
			logger.Warn("circuit state changed", "tool", name, "from", from, "to", to)
			if metrics != nil {
				metrics.RecordBreakerTransition(name, to)
			}
		},
	}

	registry := pipeline.NewRegistry()
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithTracer(tracer),
		pipeline.WithAuditLogger(auditLogger),
		pipeline.WithActivityStore(stores.Activity),
		pipeline.WithBreakerConfig(breakerCfg),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, pipeline.WithDefaultLimit(cfg.RateLimit))
	}
	if metrics != nil {
		opts = append(opts, pipeline.WithMetrics(metrics))
	}
	orch := pipeline.New(registry, cat, permEngine, guard, opts...)

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = newOpsServer(cfg.Metrics.Addr, orch, guard)
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if cfg.ProfilesPath != "" {
		go func() {
			if err := config.WatchProfiles(ctx, cfg.ProfilesPath, permEngine, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("profile watcher exited", "error", err)
			}
		}()
	}

	logger.Info("warden started",
		"org", cfg.OrgID,
		"driver", cfg.Database.Driver,
		"detection_interval", cfg.Detection.Interval,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop accepting work, drain, then close storage.
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
		cancel()
	}
	guard.Stop()
	auditLogger.Close()
	if err := shutdownTracer(context.Background()); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}
	if err := closeStores(); err != nil {
		logger.Error("storage close failed", "error", err)
	}
	return nil
}

// seedRules persists detection rules from the config file that are not
// already in the rule store. Existing rules keep their stored state so a
// restart does not reset trigger counters or cooldowns.
func seedRules(ctx context.Context, guard *guardrail.Engine, rules storage.RuleStore, cfg *config.Config) error {
	for i := range cfg.Detection.Rules {
		rule := cfg.Detection.Rules[i]
		_, err := rules.Get(ctx, rule.OrgID, rule.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := guard.CreateRule(ctx, &rule); err != nil {
			return fmt.Errorf("rule %q: %w", rule.ID, err)
		}
	}
	return nil
}

// newOpsServer serves Prometheus metrics plus small JSON introspection
// endpoints for circuit breaker and paused-agent state.
func newOpsServer(addr string, orch *pipeline.Orchestrator, guard *guardrail.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/v1/breakers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orch.Breakers())
	})
	mux.HandleFunc("/v1/paused", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(guard.PausedAgents())
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// buildCheckCmd creates the "check" command for one-off permission checks.
func buildCheckCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		toolID     string
		callerIP   string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether an agent may call a tool",
		Long: `Run a one-off permission check against the configured catalog and
profiles without starting the service. The decision is printed with its
reason; denied checks exit non-zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			engine, err := loadPermissionEngine(cfg, cat, slog.Default())
			if err != nil {
				return fmt.Errorf("load profiles: %w", err)
			}

			result := engine.Check(agentID, toolID, permission.CallContext{CallerIP: callerIP})

			out := cmd.OutOrStdout()
			if result.Allowed {
				fmt.Fprintf(out, "Decision: allowed\n")
			} else {
				fmt.Fprintf(out, "Decision: denied\n")
			}
			if result.Reason != "" {
				fmt.Fprintf(out, "Reason: %s\n", result.Reason)
			}
			if result.RequiresApproval {
				fmt.Fprintln(out, "Requires approval: yes")
			}
			if result.Sandbox {
				fmt.Fprintln(out, "Sandbox: yes")
			}
			if !result.Allowed {
				return fmt.Errorf("call denied")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID to check")
	cmd.Flags().StringVar(&toolID, "tool", "", "Tool ID to check")
	cmd.Flags().StringVar(&callerIP, "caller-ip", "", "Caller IP for allowlist checks (optional)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

// buildRulesCmd creates the "rules" command group.
func buildRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage anomaly detection rules",
	}
	cmd.AddCommand(buildRulesListCmd())
	return cmd
}

func buildRulesListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detection rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			stores, closeStores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			rules, err := stores.Rules.List(cmd.Context(), cfg.OrgID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rules) == 0 {
				fmt.Fprintln(out, "No rules found.")
				return nil
			}
			fmt.Fprintln(out, "Rules:")
			for _, rule := range rules {
				status := "enabled"
				if !rule.Enabled {
					status = "disabled"
				}
				fmt.Fprintf(out, "  - %s (%s): %s -> %s [%s, %s]\n",
					rule.ID, rule.Name, rule.Type, rule.Action, rule.Severity, status)
				fmt.Fprintf(out, "      threshold %.2f over %dm",
					rule.Condition.Threshold, rule.Condition.WindowMinutes)
				if rule.Condition.AgentID != "" {
					fmt.Fprintf(out, ", agent %s", rule.Condition.AgentID)
				}
				if rule.TriggerCount > 0 {
					fmt.Fprintf(out, ", triggered %d times", rule.TriggerCount)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

// buildInterventionsCmd creates the "interventions" command group.
func buildInterventionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interventions",
		Short: "Inspect the intervention log",
	}
	cmd.AddCommand(buildInterventionsListCmd())
	return cmd
}

func buildInterventionsListCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List interventions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			stores, closeStores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			filter := storage.InterventionFilter{OrgID: cfg.OrgID, AgentID: agentID}
			interventions, err := stores.Interventions.List(cmd.Context(), filter, limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(interventions) == 0 {
				fmt.Fprintln(out, "No interventions found.")
				return nil
			}
			fmt.Fprintln(out, "Interventions:")
			for _, iv := range interventions {
				fmt.Fprintf(out, "  - %s %s agent=%s actor=%s\n",
					iv.CreatedAt.Format(time.RFC3339), iv.Type, iv.AgentID, iv.Actor)
				if iv.Reason != "" {
					fmt.Fprintf(out, "      %s\n", iv.Reason)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&agentID, "agent", "", "Filter by agent ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of interventions")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of interventions to skip")
	return cmd
}
