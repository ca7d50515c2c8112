package main

import (
	"fmt"
	"log/slog"

	"github.com/siftlabs/sift/internal/config"
	"github.com/siftlabs/sift/internal/credits"
	"github.com/siftlabs/sift/internal/filter"
	"github.com/siftlabs/sift/internal/home"
	"github.com/siftlabs/sift/internal/jobs"
	"github.com/siftlabs/sift/internal/metrics"
	"github.com/siftlabs/sift/internal/notify"
	"github.com/siftlabs/sift/internal/planner"
	"github.com/siftlabs/sift/internal/store"
	"github.com/siftlabs/sift/internal/transform"
)

// app bundles the wired services behind a CLI command.
type app struct {
	cfg          *config.Config
	store        store.Store
	ledger       *credits.Ledger
	orchestrator *jobs.Orchestrator
	recorder     *metrics.Memory
	logger       *slog.Logger
}

// newApp loads configuration and wires the service graph. The caller must
// Close the app when done.
func newApp() (*app, error) {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	logger := newLogger()

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	transformer, err := newTransformer(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	ledger := credits.NewLedger(st, logger)
	recorder := metrics.NewMemory()
	orch := jobs.New(jobs.Deps{
		Store:       st,
		Ledger:      ledger,
		Planner:     planner.New(cfg.PlannerConfig()),
		Transformer: transformer,
		Filter:      filter.NewHeuristic(0, 0),
		Notifier:    notify.NewLog(logger),
		Pricing:     cfg.PricingTable(),
		Recorder:    recorder,
		Logger:      logger,
		Config:      cfg.JobsConfig(),
	})

	return &app{
		cfg:          cfg,
		store:        st,
		ledger:       ledger,
		orchestrator: orch,
		recorder:     recorder,
		logger:       logger,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		path := cfg.Store.Path
		if path == "" {
			h, err := home.New("")
			if err != nil {
				return nil, err
			}
			if err := h.EnsureExists(); err != nil {
				return nil, err
			}
			path = h.DatabasePath()
		}
		return store.OpenSQLite(path)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newTransformer(cfg *config.Config) (transform.Transformer, error) {
	switch cfg.Transformer.Type {
	case "", "openai":
		return transform.NewOpenAIClient(cfg.OpenAIConfig()), nil
	case "mock":
		return transform.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown transformer type %q", cfg.Transformer.Type)
	}
}
