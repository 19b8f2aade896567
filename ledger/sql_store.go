package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var _ Store = (*SQLStore)(nil)

const (
	schemaLedgerHeads = `
		CREATE TABLE IF NOT EXISTS ledger_heads (
			ledger_name  TEXT PRIMARY KEY,
			network      TEXT,
			doc_version  INT
		);`

	schemaLedgerEntries = `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			ledger_name   TEXT,
			resource_key  TEXT,
			identifier    TEXT,
			metadata      TEXT,
			step_idx      INT,
			step_name     TEXT,
			applied_at    TEXT
		);`

	schemaLedgerSkips = `
		CREATE TABLE IF NOT EXISTS ledger_skips (
			ledger_name  TEXT,
			step_idx     INT
		);`
)

// SQLStore persists named ledgers in a SQL database. Postgres (lib/pq) is the production
// backend. Persist rewrites every row of the ledger inside a single transaction.
type SQLStore struct {
	db              *sql.DB
	name            string
	requireExisting bool
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithSQLRequireExisting makes Load fail with a ConfigurationError when no ledger with the
// store's name has been persisted yet.
func WithSQLRequireExisting() SQLStoreOption {
	return func(s *SQLStore) {
		s.requireExisting = true
	}
}

// OpenPostgres opens a postgres connection pool for dsn and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach ledger database: %w", err)
	}

	return db, nil
}

// NewSQLStore returns a store for the ledger called name. Call Migrate once before first use.
func NewSQLStore(db *sql.DB, name string, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{db: db, name: name}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Migrate creates the ledger tables when they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{schemaLedgerHeads, schemaLedgerEntries, schemaLedgerSkips} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}

	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context) (*Ledger, error) {
	source := "sql:" + s.name

	var (
		network string
		version int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT network, doc_version FROM ledger_heads WHERE ledger_name = $1`, s.name,
	).Scan(&network, &version)
	if errors.Is(err, sql.ErrNoRows) {
		if s.requireExisting {
			return nil, &ConfigurationError{Source: source, Err: fmt.Errorf("ledger %q not found", s.name)}
		}

		return New(), nil
	}
	if err != nil {
		return nil, &ConfigurationError{Source: source, Err: err}
	}
	if version == 0 || version > DocumentVersion {
		return nil, &ConfigurationError{Source: source, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)}
	}

	l := New()
	l.SetNetwork(network)

	if err = s.loadEntries(ctx, l); err != nil {
		return nil, &ConfigurationError{Source: source, Err: err}
	}
	if err = s.loadSkips(ctx, l); err != nil {
		return nil, &ConfigurationError{Source: source, Err: err}
	}

	return l, nil
}

func (s *SQLStore) loadEntries(ctx context.Context, l *Ledger) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_key, identifier, metadata, step_idx, step_name, applied_at
		 FROM ledger_entries WHERE ledger_name = $1`, s.name,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key, id, metadata, stepName, appliedAt string
			stepIdx                                int
		)
		if err = rows.Scan(&key, &id, &metadata, &stepIdx, &stepName, &appliedAt); err != nil {
			return err
		}

		r := StepResult{
			ResourceKey: ResourceKey(key),
			Identifier:  Identifier(id),
			StepIndex:   stepIdx,
			StepName:    stepName,
		}
		if metadata != "" {
			if err = json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
				return fmt.Errorf("entry %q: invalid metadata: %w", key, err)
			}
		}
		if appliedAt != "" {
			t, perr := time.Parse(time.RFC3339Nano, appliedAt)
			if perr != nil {
				return fmt.Errorf("entry %q: invalid applied_at: %w", key, perr)
			}
			r.AppliedAt = &t
		}
		if key == "" {
			return ErrEmptyKey
		}
		l.entries[r.ResourceKey] = r
	}

	return rows.Err()
}

func (s *SQLStore) loadSkips(ctx context.Context, l *Ledger) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_idx FROM ledger_skips WHERE ledger_name = $1`, s.name,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var idx int
		if err = rows.Scan(&idx); err != nil {
			return err
		}
		if err = checkSkipSteps([]int{idx}); err != nil {
			return err
		}
		l.MarkSkipped(idx)
	}

	return rows.Err()
}

// Persist implements Store.
func (s *SQLStore) Persist(ctx context.Context, l *Ledger) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range []string{
		`DELETE FROM ledger_entries WHERE ledger_name = $1`,
		`DELETE FROM ledger_skips WHERE ledger_name = $1`,
		`DELETE FROM ledger_heads WHERE ledger_name = $1`,
	} {
		if _, err = tx.ExecContext(ctx, stmt, s.name); err != nil {
			return &PersistenceError{Op: "delete", Err: err}
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_heads (ledger_name, network, doc_version) VALUES ($1, $2, $3)`,
		s.name, l.Network(), DocumentVersion,
	); err != nil {
		return &PersistenceError{Op: "insert head", Err: err}
	}

	for _, r := range l.Entries() {
		var metadata []byte
		if len(r.Metadata) > 0 {
			if metadata, err = json.Marshal(r.Metadata); err != nil {
				return &PersistenceError{Op: "encode", Err: err}
			}
		}
		var appliedAt string
		if r.AppliedAt != nil {
			appliedAt = r.AppliedAt.UTC().Format(time.RFC3339Nano)
		}

		if _, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (ledger_name, resource_key, identifier, metadata, step_idx, step_name, applied_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.name, string(r.ResourceKey), string(r.Identifier), string(metadata), r.StepIndex, r.StepName, appliedAt,
		); err != nil {
			return &PersistenceError{Op: "insert entry", Err: err}
		}
	}

	for _, idx := range l.SkipSteps() {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_skips (ledger_name, step_idx) VALUES ($1, $2)`, s.name, idx,
		); err != nil {
			return &PersistenceError{Op: "insert skip", Err: err}
		}
	}

	if err = tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}

	return nil
}
