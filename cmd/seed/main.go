// File: cmd/seed/main.go
//
// Creates the schema if missing and seeds a demo user with a welcome credit
// grant. Prints a signed token for the demo user so the API can be exercised
// immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"video-batch-service/internal/config"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/infra/api"
	pg "video-batch-service/internal/infra/db/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    username   TEXT NOT NULL UNIQUE,
    role       TEXT NOT NULL DEFAULT 'member',
    enabled    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL REFERENCES users(id),
    prompt      TEXT NOT NULL,
    model       TEXT NOT NULL,
    orientation TEXT NOT NULL,
    size        TEXT NOT NULL,
    duration    INT NOT NULL,
    num_videos  INT NOT NULL,
    image_ref   TEXT,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    deleted_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_batches_user ON batches (user_id, created_at DESC) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS tasks (
    id              TEXT PRIMARY KEY,
    batch_id        TEXT NOT NULL REFERENCES batches(id),
    user_id         TEXT NOT NULL REFERENCES users(id),
    prompt          TEXT NOT NULL,
    model           TEXT NOT NULL,
    orientation     TEXT NOT NULL,
    size            TEXT NOT NULL,
    duration        INT NOT NULL,
    image_ref       TEXT,
    status          TEXT NOT NULL,
    provider_job_id TEXT,
    result_ref      TEXT,
    error_summary   TEXT,
    retries         INT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    deleted_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks (batch_id, created_at, id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, updated_at) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS credit_ledger_entries (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES users(id),
    delta        INT NOT NULL,
    reason       TEXT NOT NULL,
    ref_batch_id TEXT,
    ref_task_id  TEXT,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_user ON credit_ledger_entries (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_task ON credit_ledger_entries (ref_task_id) WHERE ref_task_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key        TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    batch_id   TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_age ON idempotency_keys (created_at);

CREATE TABLE IF NOT EXISTS provider_api_keys (
    user_id       TEXT NOT NULL REFERENCES users(id),
    provider      TEXT NOT NULL,
    encrypted_key TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, provider)
);
`

func main() {
	cfgPath := flag.String("config", "config.yml", "path to YAML config file")
	username := flag.String("user", "demo", "demo username to seed")
	gift := flag.Int("gift", 100, "welcome credits for the demo user")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 4)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, schema); err != nil {
		log.Fatalf("create schema: %v", err)
	}
	fmt.Println("schema ready")

	userRepo := pg.NewUserRepo(pool)
	ledgerRepo := pg.NewLedgerRepo(pool)

	user, err := userRepo.FindByUsername(ctx, nil, *username)
	if err == nil {
		fmt.Printf("user %q already present (id=%s). No changes.\n", user.Username, user.ID)
	} else {
		user = &model.User{
			ID:       uuid.NewString(),
			Username: *username,
			Role:     model.UserRoleMember,
			Enabled:  true,
		}
		if err := userRepo.Save(ctx, nil, user); err != nil {
			log.Fatalf("save user: %v", err)
		}
		entry := &model.CreditEntry{
			ID:        model.NewEntryID(),
			UserID:    user.ID,
			Delta:     *gift,
			Reason:    model.ReasonNewUserGift,
			CreatedAt: time.Now(),
		}
		if err := ledgerRepo.Append(ctx, nil, entry); err != nil {
			log.Fatalf("gift entry: %v", err)
		}
		fmt.Printf("seeded user %q (id=%s) with %d credits\n", user.Username, user.ID, *gift)
	}

	guard := api.NewGuard(cfg.Server.AuthSecret)
	token, err := guard.Mint(user.ID, string(user.Role), 24*time.Hour)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}
	fmt.Printf("bearer token (24h):\n%s\n", token)
}
