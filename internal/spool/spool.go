// Package spool is the on-disk overflow buffer for capture envelopes that
// could not be delivered over IPC. Payloads are sealed before they touch
// disk and drained in arrival order once the transport recovers.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/proth1/kmflow-sub006/internal/seal"
)

// DefaultMaxBytes caps the database file size before pruning kicks in.
const DefaultMaxBytes = 100 << 20

// sizeCheckInterval is how many writes pass between file size checks. A
// stat per write would dominate the insert cost.
const sizeCheckInterval = 100

// Entry is one spooled envelope.
type Entry struct {
	ID       string
	Sequence uint64
	Payload  []byte
}

// Spool stores sealed envelope payloads in SQLite with WAL journaling.
type Spool struct {
	db       *sql.DB
	sealer   *seal.Sealer
	log      *slog.Logger
	path     string
	maxBytes int64

	writesSinceCheck int
}

// Options tune a Spool beyond its defaults.
type Options struct {
	// MaxBytes caps the database file size; zero means DefaultMaxBytes.
	MaxBytes int64
}

// Open creates or opens the spool database at path.
func Open(path string, sealer *seal.Sealer, log *slog.Logger, opts Options) (*Spool, error) {
	if path == "" {
		return nil, fmt.Errorf("spool path is empty")
	}
	if sealer == nil {
		return nil, fmt.Errorf("spool requires a sealer")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir spool dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Spool{db: db, sealer: sealer, log: log, path: path, maxBytes: opts.MaxBytes}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBytes
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Spool) Close() error { return s.db.Close() }

func (s *Spool) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS spool (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			created_ns INTEGER NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0,
			payload BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_spool_pending ON spool(uploaded, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("spool migrate: %w", err)
		}
	}
	return nil
}

// Append seals and stores one envelope payload under its sequence number.
func (s *Spool) Append(ctx context.Context, seq uint64, payload []byte) error {
	sealed, err := s.sealer.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal spool payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spool(id, seq, created_ns, payload) VALUES(?,?,?,?);`,
		uuid.NewString(), int64(seq), time.Now().UTC().UnixNano(), sealed)
	if err != nil {
		return fmt.Errorf("insert spool entry: %w", err)
	}

	s.writesSinceCheck++
	if s.writesSinceCheck >= sizeCheckInterval {
		s.writesSinceCheck = 0
		if err := s.enforceCap(ctx); err != nil {
			s.log.Warn("spool cap enforcement failed", "error", err)
		}
	}
	return nil
}

// ReadPending returns up to limit undelivered entries in arrival order,
// decrypted. Entries whose seal no longer verifies are dropped in place
// rather than returned.
func (s *Spool) ReadPending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, payload FROM spool WHERE uploaded = 0 ORDER BY seq ASC LIMIT ?;`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query spool: %w", err)
	}
	defer rows.Close()

	var out []Entry
	var corrupt []string
	for rows.Next() {
		var e Entry
		var seq int64
		var sealed []byte
		if err := rows.Scan(&e.ID, &seq, &sealed); err != nil {
			return nil, fmt.Errorf("scan spool row: %w", err)
		}
		plain, err := s.sealer.Open(sealed)
		if err != nil {
			s.log.Warn("dropping unverifiable spool entry", "id", e.ID, "error", err)
			corrupt = append(corrupt, e.ID)
			continue
		}
		e.Sequence = uint64(seq)
		e.Payload = plain
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spool rows: %w", err)
	}

	for _, id := range corrupt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE id = ?;`, id); err != nil {
			s.log.Warn("delete corrupt spool entry failed", "id", id, "error", err)
		}
	}
	return out, nil
}

// MarkUploaded flags entries as delivered. Delivered rows are kept until
// PruneUploaded so a crash between send and prune never loses data.
func (s *Spool) MarkUploaded(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spool tx: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE spool SET uploaded = 1 WHERE id = ?;`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("mark uploaded: %w", err)
		}
	}
	return tx.Commit()
}

// PruneUploaded deletes delivered rows and returns how many were removed.
func (s *Spool) PruneUploaded(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE uploaded = 1;`)
	if err != nil {
		return 0, fmt.Errorf("prune uploaded: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingCount returns the number of undelivered entries.
func (s *Spool) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spool WHERE uploaded = 0;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}

// enforceCap prunes the oldest tenth of rows when the database file exceeds
// the size cap. Delivered rows go first.
func (s *Spool) enforceCap(ctx context.Context) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat spool db: %w", err)
	}
	if info.Size() <= s.maxBytes {
		return nil
	}

	if _, err := s.PruneUploaded(ctx); err != nil {
		return err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spool;`).Scan(&total); err != nil {
		return fmt.Errorf("count spool: %w", err)
	}
	drop := total / 10
	if drop < 1 {
		drop = 1
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM spool WHERE id IN
			(SELECT id FROM spool ORDER BY seq ASC LIMIT ?);`, drop)
	if err != nil {
		return fmt.Errorf("prune oldest: %w", err)
	}
	n, _ := res.RowsAffected()
	s.log.Warn("spool over size cap, pruned oldest entries",
		"pruned", n, "size_bytes", info.Size(), "cap_bytes", s.maxBytes)
	return nil
}
