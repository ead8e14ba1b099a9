// Command run_sync runs one sync pass for the selected marketplaces and
// prints the results. With -memory the pass uses in-memory stores and an
// empty outbox, which is enough to health-check and pull from every adapter.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/config"
	"github.com/meschain/meschain-sync/internal/database"
	"github.com/meschain/meschain-sync/internal/logger"
	"github.com/meschain/meschain-sync/internal/marketplace"
	"github.com/meschain/meschain-sync/internal/report"
	"github.com/meschain/meschain-sync/internal/store"
	"github.com/meschain/meschain-sync/internal/sync"
)

func main() {
	mpFlag := flag.String("marketplaces", "", "comma separated marketplaces (default: every enabled one)")
	memory := flag.Bool("memory", false, "use in-memory stores instead of the database")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline of the pass")
	format := flag.String("report", "", "write a session report per marketplace (json, csv, pdf, xlsx)")
	outDir := flag.String("out", ".", "directory for -report files")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logg := logger.Must(cfg)
	defer logg.Sync()

	syncCfg, err := config.LoadSyncConfig()
	if err != nil {
		logg.Fatal("Failed to load sync configuration", zap.Error(err))
	}

	var mps []marketplace.Marketplace
	if *mpFlag != "" {
		mps, err = marketplace.ParseList(strings.Split(*mpFlag, ","))
		if err != nil {
			logg.Fatal("Invalid -marketplaces", zap.Error(err))
		}
	}

	var reportFormat report.Format
	if *format != "" {
		if reportFormat, err = report.ParseFormat(*format); err != nil {
			logg.Fatal("Invalid -report", zap.Error(err))
		}
	}

	bw := sync.NewBandwidthRegistry(syncCfg)
	registry, err := sync.NewAdapterRegistry(syncCfg, bw, logg)
	if err != nil {
		logg.Fatal("Failed to build marketplace adapters", zap.Error(err))
	}

	deps := sync.Deps{Registry: registry, Bandwidth: bw, Logger: logg}
	if *memory {
		mem := sync.NewMemoryStore()
		deps.Sessions, deps.Conflicts, deps.Passes = mem, mem, mem
		deps.Catalog = sync.NewMemoryCatalog()
	} else {
		db, err := database.Connect(cfg.Database, logg)
		if err != nil {
			logg.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			logg.Fatal("Migration failed", zap.Error(err))
		}
		st := store.New(db.DB)
		deps.Sessions, deps.Conflicts, deps.Passes = st, st, st
		deps.Catalog = store.NewCatalog(db.DB)
	}

	engine, err := sync.NewSyncEngine(syncCfg, deps)
	if err != nil {
		logg.Fatal("Failed to create sync engine", zap.Error(err))
	}
	defer engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results, syncErr := engine.SyncAll(ctx, mps)
	if syncErr != nil {
		logg.Error("sync finished with errors", zap.Error(syncErr))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		logg.Fatal("Failed to print results", zap.Error(err))
	}

	if reportFormat != "" {
		for _, result := range results {
			if result == nil {
				continue
			}
			if err := writeReport(ctx, engine, result, reportFormat, *outDir); err != nil {
				logg.Error("report failed", zap.String("marketplace", string(result.Marketplace)), zap.Error(err))
			}
		}
	}

	if syncErr != nil {
		os.Exit(1)
	}
}

func writeReport(ctx context.Context, engine *sync.SyncEngine, result *sync.SyncResult, f report.Format, dir string) error {
	rep, err := report.Collect(ctx, engine, result.SessionID)
	if err != nil {
		return err
	}
	body, err := report.Render(rep, f)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, rep.Filename(f))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "wrote", path)
	return nil
}
