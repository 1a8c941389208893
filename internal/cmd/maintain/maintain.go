package maintain

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/config"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/indexer"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/metrics"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/store"
)

// Command returns the maintain sub-command: the external scheduler for the
// background sweeps. With --once it runs a single maintenance pass and exits;
// otherwise it loops on the configured interval until interrupted.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "maintain",
		Usage: "Run the background index and retention sweeps",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Sources: cli.EnvVars("NEODESKPET_DB_PATH"),
				Usage:   "SQLite database file path",
				Value:   "memory.db",
			},
			&cli.DurationFlag{
				Name:    "interval",
				Sources: cli.EnvVars("NEODESKPET_MAINTAIN_INTERVAL"),
				Usage:   "Delay between maintenance passes",
				Value:   time.Minute,
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run one maintenance pass and exit",
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Print store statistics as JSON and exit",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Sources: cli.EnvVars("NEODESKPET_METRICS_ADDR"),
				Usage:   "Optional listen address for Prometheus metrics (e.g. :9190)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.FromEnv()
			cfg.DBPath = cmd.String("db-path")
			if v := cmd.Duration("interval"); v > 0 {
				cfg.MaintainInterval = v
			}

			st, err := store.Open(&cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if cmd.Bool("stats") {
				stats, err := st.GetStats(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			if addr := cmd.String("metrics-addr"); addr != "" {
				go serveMetrics(addr)
			}

			runner := &runner{
				store:  st,
				tags:   indexer.NewTagIndexer(st),
				vector: indexer.NewVectorIndexer(st, nil),
				kg:     indexer.NewKgIndexer(st, nil),
			}
			if cmd.Bool("once") {
				return runner.pass(ctx)
			}

			log.Info("Maintenance loop started", "interval", cfg.MaintainInterval)
			ticker := time.NewTicker(cfg.MaintainInterval)
			defer ticker.Stop()
			for {
				if err := runner.pass(ctx); err != nil {
					log.Error("Maintenance pass failed", "err", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}

type runner struct {
	store  *store.Store
	tags   *indexer.TagIndexer
	vector *indexer.VectorIndexer
	kg     *indexer.KgIndexer
}

// pass runs every sweep once. A config error in one feature disables that
// feature's sweep without failing the pass.
func (r *runner) pass(ctx context.Context) error {
	cfg := r.store.Config()

	tagSummary, err := r.tags.Sweep(ctx)
	if err != nil {
		return err
	}
	vecSummary, err := r.vector.Sweep(ctx)
	if err != nil {
		return err
	}
	kgSummary, err := r.kg.Sweep(ctx)
	if err != nil {
		return err
	}

	sweep, err := r.store.RunRetentionSweep(ctx, cfg.RetentionSweepBatchSize, cfg.RetentionIdleThreshold, cfg.RetentionArchiveBelow)
	if err != nil {
		return err
	}
	metrics.RetentionScanned.Add(float64(sweep.Scanned))
	metrics.RetentionArchived.Add(float64(sweep.Archived))

	log.Info("Maintenance pass",
		"tags", tagSummary.String(),
		"vector", vecSummary.String(),
		"kg", kgSummary.String(),
		"retention_scanned", sweep.Scanned,
		"retention_updated", sweep.Updated,
		"retention_archived", sweep.Archived)
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("Metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics listener stopped", "err", err)
	}
}
