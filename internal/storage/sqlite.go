package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "timechanbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Load(ctx context.Context) (Mapping, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id, label, channel_id, timezone FROM bindings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := Mapping{}
	for rows.Next() {
		var guild, label string
		var b Binding
		if err := rows.Scan(&guild, &label, &b.ChannelID, &b.TimeZone); err != nil {
			return nil, err
		}
		if m[guild] == nil {
			m[guild] = map[string]Binding{}
		}
		m[guild][label] = b
	}
	return m, rows.Err()
}

// Replace rewrites the bindings table in one transaction.
func (s *sqliteStore) Replace(ctx context.Context, m Mapping) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM bindings`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bindings(guild_id, label, channel_id, timezone) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for guild, labels := range m {
		for label, b := range labels {
			if _, err = stmt.ExecContext(ctx, guild, label, b.ChannelID, b.TimeZone); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, guild_id, label, channel_id, timezone, actor_id, actor_name, reason)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Action, e.GuildID, e.Label,
		nullStr(e.ChannelID), nullStr(e.TimeZone), nullStr(e.ActorID), nullStr(e.ActorName), nullStr(e.Reason),
	)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
