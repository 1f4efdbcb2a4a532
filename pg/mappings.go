// Package pg stores the mapping list in a Postgres database.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"sync"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"gitcord"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Goose configuration is process-global.
var gooseMu sync.Mutex

func migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// How many old mapping lists to keep.
const keepBackups = 10

type Store struct {
	db *sql.DB
}

var (
	_ gitcord.MappingStore  = &Store{}
	_ gitcord.MappingBackup = &Store{}
)

func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", dsn)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "connecting to %s", dsn)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) ([]gitcord.Mapping, error) {
	return load(ctx, s.db)
}

type queryer interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

func load(ctx context.Context, db queryer) ([]gitcord.Mapping, error) {
	const q = `SELECT id, channel_id, owner, name, webhook_secret, enabled, options FROM mappings ORDER BY position`

	var result []gitcord.Mapping
	err := sqlutil.ForQueryRows(ctx, db, q, func(id, channelID, owner, name, secret string, enabled bool, options string) error {
		m := gitcord.Mapping{
			ID:            id,
			ChannelID:     channelID,
			Repository:    gitcord.Repository{Owner: owner, Name: name},
			WebhookSecret: secret,
			Enabled:       enabled,
		}
		if options != "" {
			m.Options = new(gitcord.MappingOptions)
			if err := json.Unmarshal([]byte(options), m.Options); err != nil {
				return errors.Wrapf(err, "decoding options of mapping %s", id)
			}
		}
		result = append(result, m)
		return nil
	})
	return result, errors.Wrap(err, "querying mappings")
}

// Save replaces the mapping list in one transaction,
// first copying the previous list to the mapping_backups table.
func (s *Store) Save(ctx context.Context, mappings []gitcord.Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	// Serializes concurrent writers.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE mappings IN EXCLUSIVE MODE`); err != nil {
		return errors.Wrap(err, "locking mappings")
	}

	prev, err := load(ctx, tx)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(prev)
	if err != nil {
		return errors.Wrap(err, "encoding backup")
	}

	const (
		qBackup = `INSERT INTO mapping_backups (saved_at, doc) VALUES ($1, $2)`
		qPrune  = `DELETE FROM mapping_backups WHERE backup_id NOT IN (SELECT backup_id FROM mapping_backups ORDER BY backup_id DESC LIMIT $1)`
		qClear  = `DELETE FROM mappings`
		qInsert = `INSERT INTO mappings (id, position, channel_id, owner, name, webhook_secret, enabled, options) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	)

	if _, err := tx.ExecContext(ctx, qBackup, time.Now().UTC(), string(doc)); err != nil {
		return errors.Wrap(err, "backing up mappings")
	}
	if _, err := tx.ExecContext(ctx, qPrune, keepBackups); err != nil {
		return errors.Wrap(err, "pruning backups")
	}
	if _, err := tx.ExecContext(ctx, qClear); err != nil {
		return errors.Wrap(err, "clearing mappings")
	}
	for i, m := range mappings {
		var options string
		if m.Options != nil {
			j, err := json.Marshal(m.Options)
			if err != nil {
				return errors.Wrapf(err, "encoding options of mapping %s", m.ID)
			}
			options = string(j)
		}
		_, err := tx.ExecContext(ctx, qInsert, m.ID, i, m.ChannelID, m.Repository.Owner, m.Repository.Name, m.WebhookSecret, m.Enabled, options)
		if err != nil {
			return errors.Wrapf(err, "inserting mapping %s", m.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "committing")
}

// Backup returns the mapping list as it was before the last Save.
func (s *Store) Backup(ctx context.Context) ([]gitcord.Mapping, error) {
	const q = `SELECT doc FROM mapping_backups ORDER BY backup_id DESC LIMIT 1`

	var doc string
	err := sqlutil.QueryRowContext(ctx, s.db, q).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gitcord.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying backup")
	}

	var result []gitcord.Mapping
	err = json.Unmarshal([]byte(doc), &result)
	return result, errors.Wrap(err, "decoding backup")
}
