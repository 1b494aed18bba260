package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type config struct {
	dsn        string
	serial     string
	name       string
	count      int
	initSchema bool
}

func main() {
	cfg := parseConfig()
	if cfg.dsn == "" {
		log.Fatal("PG_DSN or DATABASE_URL is required")
	}
	if cfg.count <= 0 {
		log.Fatal("count must be > 0")
	}

	db, err := sql.Open("pgx", cfg.dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	if cfg.initSchema {
		if err := initSchema(ctx, db); err != nil {
			log.Fatalf("init schema: %v", err)
		}
		log.Printf("schema ready")
	}

	for i := 0; i < cfg.count; i++ {
		serial := cfg.serial
		if serial == "" || cfg.count > 1 {
			serial = fmt.Sprintf("PI-%s", uuid.NewString()[:8])
		}
		name := cfg.name
		if name == "" {
			name = serial
		}
		token := uuid.NewString()
		if err := insertDevice(ctx, db, serial, token, name); err != nil {
			log.Fatalf("insert device %s: %v", serial, err)
		}
		log.Printf("device registered: serial=%s token=%s", serial, token)
	}
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "pg-dsn", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.StringVar(&cfg.serial, "serial", "", "serial number (generated when empty)")
	flag.StringVar(&cfg.name, "name", "", "display name (defaults to serial)")
	flag.IntVar(&cfg.count, "count", 1, "number of devices to register")
	flag.BoolVar(&cfg.initSchema, "init-schema", false, "create tables before seeding")
	flag.Parse()
	return cfg
}

func insertDevice(ctx context.Context, db *sql.DB, serial, token, name string) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO devices (id, serial, token, display_name, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), serial, token, name, time.Now().UTC())
	return err
}

func initSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	serial TEXT NOT NULL UNIQUE,
	token TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	observed_addr TEXT,
	last_seen_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS device_capabilities (
	device_id TEXT NOT NULL REFERENCES devices(id),
	slug TEXT NOT NULL,
	kind TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	config JSONB NOT NULL DEFAULT '{}',
	cap_order INT NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	cached_state JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (device_id, slug)
)`,
		`CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL REFERENCES devices(id),
	req_id TEXT NOT NULL,
	name TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	result TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	taken_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	UNIQUE (device_id, req_id)
)`,
		`CREATE INDEX IF NOT EXISTS commands_claim_idx
	ON commands (device_id, status, expires_at, created_at)`,
		`CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL REFERENCES devices(id),
	action TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	run_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	done_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS schedules_fetch_idx
	ON schedules (device_id, status, run_at)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	serial TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	payload_digest TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
