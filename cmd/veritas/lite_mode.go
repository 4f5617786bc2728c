package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/Mindburn-Labs/veritas/pkg/config"
	"github.com/Mindburn-Labs/veritas/pkg/control"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"

	_ "modernc.org/sqlite"
)

func setupLiteMode(ctx context.Context, cfg *config.Config) (*sql.DB, ledger.Store, control.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := cfg.SQLitePath()
	log.Printf("[veritas] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer keeps seq assignment and the hash chain serial.
	db.SetMaxOpenConns(1)

	lg := ledger.NewSQLiteStore(db)
	if err := lg.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init sqlite ledger: %w", err)
	}
	cs := control.NewSQLiteStore(db)
	if err := cs.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("failed to init sqlite control store: %w", err)
	}
	return db, lg, cs, nil
}
