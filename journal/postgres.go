package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/relay"
)

// Config contains configuration for the journal database, the journal is kept in memory when ConnStr is empty.
type Config struct {
	ConnStr      string `yaml:"conn_str" env:"JOURNAL_DATABASE_URL"` // ConnStr is the connection string to the database.
	DatabaseName string `yaml:"database_name"`                      // DatabaseName is appended to ConnStr when set.
	IsSSL        bool   `yaml:"is_ssl"`                             // IsSSL is the flag that indicates if the connection should be encrypted.
}

// Enabled tells if a database is configured.
func (c Config) Enabled() bool {
	return c.ConnStr != ""
}

func (c Config) dsn() string {
	sslMode := "sslmode=disable"
	if c.IsSSL {
		sslMode = "sslmode=require"
	}
	base := c.ConnStr
	if c.DatabaseName != "" {
		base = fmt.Sprintf("%s/%s", strings.TrimSuffix(base, "/"), c.DatabaseName)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		if strings.Contains(base, "sslmode=") {
			return base
		}
		sep = "&"
	}
	return base + sep + sslMode
}

const migration = `
CREATE TABLE IF NOT EXISTS outcomes (
	tx_id      TEXT PRIMARY KEY,
	chain_id   BIGINT NOT NULL,
	account    TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	amount     TEXT NOT NULL,
	phase      TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	tx_hash    TEXT NOT NULL DEFAULT '',
	included   BOOLEAN NOT NULL DEFAULT FALSE,
	duration   DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS activities (
	id         BIGSERIAL PRIMARY KEY,
	date       TEXT NOT NULL,
	browser    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
	id         BIGSERIAL PRIMARY KEY,
	level      TEXT NOT NULL,
	component  TEXT NOT NULL DEFAULT '',
	msg        TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
`

// DataBase provides database access to the journal.
type DataBase struct {
	inner *sql.DB
}

// Connect creates new connection to the journal database and returns pointer to the DataBase.
func Connect(ctx context.Context, cfg Config) (*DataBase, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DataBase{inner: db}, nil
}

// RunMigration creates journal tables if they do not exist.
func (db DataBase) RunMigration(ctx context.Context) error {
	if _, err := db.inner.ExecContext(ctx, migration); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	return nil
}

// Disconnect disconnects from the database.
func (db DataBase) Disconnect(_ context.Context) error {
	return db.inner.Close()
}

// Ping checks if the connection to the database is still alive.
func (db DataBase) Ping(ctx context.Context) error {
	return db.inner.PingContext(ctx)
}

// RecordOutcome upserts the outcome of the transaction.
func (db DataBase) RecordOutcome(ctx context.Context, o Outcome) error {
	_, err := db.inner.ExecContext(ctx,
		`INSERT INTO outcomes (tx_id, chain_id, account, recipient, amount, phase, reason, tx_hash, included, duration, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_id) DO UPDATE SET phase = $6, reason = $7, tx_hash = $8, included = $9, duration = $10, created_at = $11`,
		o.TxID, o.ChainID, o.Account, o.Recipient, o.Amount, string(o.Phase), string(o.Reason), o.TxHash, o.Included, o.Duration, o.CreatedAt,
	)
	if err != nil {
		return errors.Join(ErrInsertFailed, err)
	}
	return nil
}

// ReadOutcome reads the outcome of the transaction.
func (db DataBase) ReadOutcome(ctx context.Context, txID string) (Outcome, error) {
	var o Outcome
	var phase, reason string
	err := db.inner.QueryRowContext(ctx,
		`SELECT tx_id, chain_id, account, recipient, amount, phase, reason, tx_hash, included, duration, created_at
		FROM outcomes WHERE tx_id = $1`, txID,
	).Scan(&o.TxID, &o.ChainID, &o.Account, &o.Recipient, &o.Amount, &phase, &reason, &o.TxHash, &o.Included, &o.Duration, &o.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Outcome{}, errors.Join(ErrNotFound, fmt.Errorf("outcome of [ %s ]", txID))
	case err != nil:
		return Outcome{}, errors.Join(ErrSelectFailed, err)
	}
	o.Phase, o.Reason = relay.Phase(phase), relay.Reason(reason)
	return o, nil
}

// RecordActivity inserts the activity entry.
func (db DataBase) RecordActivity(ctx context.Context, a Activity) error {
	_, err := db.inner.ExecContext(ctx,
		"INSERT INTO activities (date, browser, status, created_at) VALUES ($1, $2, $3, $4)",
		a.Date, a.Browser, a.Status, a.CreatedAt,
	)
	if err != nil {
		return errors.Join(ErrInsertFailed, err)
	}
	return nil
}

// Write writes log to the database.
// p is a marshaled logger.Log.
func (db DataBase) Write(p []byte) (n int, err error) {
	var l logger.Log
	if err := json.Unmarshal(p, &l); err != nil {
		return 0, errors.Join(ErrUnmarshalFailed, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = db.inner.ExecContext(ctx,
		"INSERT INTO logs (level, component, msg, created_at) VALUES ($1, $2, $3, $4)",
		l.Level, l.Component, l.Msg, l.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return 0, errors.Join(ErrInsertFailed, err)
	}
	return len(p), nil
}
