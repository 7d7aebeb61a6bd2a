package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aljazceru/lnflow/internal/config"
	"github.com/aljazceru/lnflow/internal/experiment"
	"github.com/aljazceru/lnflow/internal/lndrest"
	"github.com/aljazceru/lnflow/internal/notify"
	"github.com/aljazceru/lnflow/internal/policy"
	"github.com/aljazceru/lnflow/internal/server"
	"github.com/aljazceru/lnflow/internal/store"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runOnce(os.Args[2:])
			return
		case "report":
			runReport(os.Args[2:])
			return
		case "serve":
			runServe(os.Args[2:])
			return
		}
	}
	runServe(os.Args[1:])
}

func runServe(args []string) {
	fs := flag.NewFlagSet("lnflow", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to config.yaml")
	_ = fs.Parse(args)

	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, ctrl, st, pool := bootstrap(logger, *configPath, false)
	if pool != nil {
		defer pool.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := ctrl.Initialize(ctx); err != nil {
		cancel()
		logger.Fatalf("initialize failed: %v", err)
	}
	cancel()

	if err := ctrl.Start(context.Background()); err != nil {
		logger.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()

	srv := server.New(cfg, logger, ctrl, st)
	if err := srv.Run(); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

func runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to config.yaml")
	dryRun := fs.Bool("dry-run", false, "Calculate and log changes without applying them")
	_ = fs.Parse(args)

	logger := log.New(os.Stdout, "", log.LstdFlags)
	_, ctrl, _, pool := bootstrap(logger, *configPath, *dryRun)
	if pool != nil {
		defer pool.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := ctrl.Initialize(ctx); err != nil {
		logger.Fatalf("initialize failed: %v", err)
	}
	if _, err := ctrl.RunCycle(ctx); err != nil {
		logger.Fatalf("cycle failed: %v", err)
	}

	st := ctrl.Status()
	if st.LastCycle != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(st.LastCycle)
	}
}

func runReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to config.yaml")
	_ = fs.Parse(args)

	logger := log.New(os.Stderr, "", log.LstdFlags)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config load failed: %v", err)
	}
	if strings.TrimSpace(cfg.Store.DSN) == "" {
		logger.Fatalf("report requires a store DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Store.DSN)
	if err != nil {
		logger.Fatalf("report failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	rec, ok, err := st.CurrentExperiment(ctx)
	if err != nil {
		logger.Fatalf("report failed: %v", err)
	}
	if !ok {
		logger.Fatalf("no running experiment")
	}

	sets, err := st.SummaryByParameterSet(ctx, rec.ID)
	if err != nil {
		logger.Fatalf("report failed: %v", err)
	}
	changes, err := st.RecentChanges(ctx, rec.ID, 50)
	if err != nil {
		logger.Fatalf("report failed: %v", err)
	}
	rollbacks, err := st.RollbackCount(ctx, rec.ID)
	if err != nil {
		logger.Fatalf("report failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"experiment_id":  rec.ID,
		"started_at":     rec.StartedAt,
		"parameter_sets": sets,
		"rollbacks":      rollbacks,
		"recent_changes": changes,
	})
}

// bootstrap wires the shared pieces: config, store, node client, rules and
// the controller. forceDryRun overrides the configured mode for one-shot runs.
func bootstrap(logger *log.Logger, configPath string, forceDryRun bool) (*config.Config, *experiment.Controller, *store.Store, *pgxpool.Pool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("config load failed: %v", err)
	}
	if forceDryRun {
		cfg.DryRun = true
	}
	if cfg.DryRun {
		logger.Printf("dry run: fee changes are calculated and logged, not applied")
	}

	var pool *pgxpool.Pool
	if strings.TrimSpace(cfg.Store.DSN) != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err = pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			logger.Fatalf("store connect failed: %v", err)
		}
		if err := store.EnsureSchema(ctx, pool); err != nil {
			logger.Fatalf("store schema failed: %v", err)
		}
	} else {
		logger.Printf("no store DSN configured, persistence disabled")
	}
	st := store.New(pool)

	node, err := lndrest.New(cfg.Node, logger)
	if err != nil {
		logger.Fatalf("node client failed: %v", err)
	}

	rules, err := policy.LoadRules(cfg.Engine.RulesPath)
	if err != nil {
		logger.Fatalf("rules load failed: %v", err)
	}

	ctrl := experiment.NewController(cfg, node, st, rules, logger)

	notifier, err := notify.NewTelegram(cfg.Telegram, logger)
	if err != nil {
		logger.Printf("telegram disabled: %v", err)
	} else if notifier != nil {
		ctrl.SetNotifier(notifier)
	}

	return cfg, ctrl, st, pool
}
