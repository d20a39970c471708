package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
)

// Snapshot is one immutable captured fetch of a target.
type Snapshot struct {
	ID          int64     `json:"id"`
	TargetID    string    `json:"target_id"`
	FetchedAt   time.Time `json:"fetched_at"`
	ContentHash string    `json:"content_hash"`
	HashAlgo    string    `json:"hash_algo"`
	Raw         []byte    `json:"-"`
	RawSize     int       `json:"raw_size"`
	RawPruned   bool      `json:"raw_pruned,omitempty"`
	Status      string    `json:"status"`
	StatusCode  int       `json:"status_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Meta carries the fetch outcome fields stored next to the raw bytes.
type Meta struct {
	StatusCode int
	Error      string
}

const snapshotCols = `id, target_id, fetched_at, content_hash, hash_algo,
	raw_content, raw_content IS NULL, COALESCE(length(raw_content), 0),
	status, status_code, error_message, created_at`

// listCols has the same shape as snapshotCols without the blob itself.
const listCols = `id, target_id, fetched_at, content_hash, hash_algo,
	NULL, raw_content IS NULL, COALESCE(length(raw_content), 0),
	status, status_code, error_message, created_at`

// PutSnapshot appends one snapshot and returns its id. A second call with the
// same (targetID, fetchedAt) returns the existing id without writing.
// Snapshots older than the target's newest stored one are rejected with
// ErrOutOfOrder. I/O failures are returned as *dbopen.StorageError.
func (s *Store) PutSnapshot(ctx context.Context, targetID string, fetchedAt time.Time, raw []byte, status string, meta Meta) (int64, error) {
	if targetID == "" {
		return 0, fmt.Errorf("contentstore: empty target id")
	}
	if status != StatusOK && status != StatusError {
		return 0, fmt.Errorf("contentstore: invalid status %q", status)
	}
	if raw == nil {
		raw = []byte{}
	}
	at := fetchedAt.UnixMilli()
	hash := HashContent(raw)
	now := time.Now().UnixMilli()

	var id int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM snapshots WHERE target_id = ? AND fetched_at = ?`,
			targetID, at).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(fetched_at) FROM snapshots WHERE target_id = ?`, targetID,
		).Scan(&latest); err != nil {
			return err
		}
		if latest.Valid && at < latest.Int64 {
			return ErrOutOfOrder
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (target_id, fetched_at, content_hash, hash_algo,
			raw_content, status, status_code, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			targetID, at, hash, HashAlgo, raw, status, meta.StatusCode, meta.Error, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, ErrOutOfOrder):
		return 0, err
	case dbopen.IsConstraint(err):
		// A concurrent writer stored the same natural key first.
		existing, gerr := s.getByKey(ctx, targetID, at)
		if gerr != nil {
			return 0, dbopen.Wrap("put snapshot", gerr)
		}
		if existing != nil {
			return existing.ID, nil
		}
	}
	return 0, dbopen.Wrap("put snapshot", err)
}

func (s *Store) getByKey(ctx context.Context, targetID string, at int64) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+listCols+` FROM snapshots WHERE target_id = ? AND fetched_at = ?`, targetID, at)
	return scanSnapshot(row)
}

// Get returns the snapshot with the given id, raw content included,
// or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	return snap, dbopen.Wrap("get snapshot", err)
}

// GetMeta is Get without the raw bytes.
func (s *Store) GetMeta(ctx context.Context, id int64) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+listCols+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	return snap, dbopen.Wrap("get snapshot", err)
}

// GetLatest returns the newest ok snapshot of the target, or nil.
// Ties on fetched_at go to the higher id.
func (s *Store) GetLatest(ctx context.Context, targetID string) (*Snapshot, error) {
	snaps, err := s.Recent(ctx, targetID, 1)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return snaps[0], nil
}

// GetPrevious returns the ok snapshot of the target immediately preceding
// beforeID in (fetched_at, id) order, or nil.
func (s *Store) GetPrevious(ctx context.Context, targetID string, beforeID int64) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots
		WHERE target_id = ? AND status = 'ok' AND id != ?
		  AND (fetched_at, id) < (SELECT fetched_at, id FROM snapshots WHERE id = ?)
		ORDER BY fetched_at DESC, id DESC LIMIT 1`,
		targetID, beforeID, beforeID)
	snap, err := scanSnapshot(row)
	return snap, dbopen.Wrap("get previous snapshot", err)
}

// Recent returns up to n ok snapshots of the target, newest first, raw
// content included.
func (s *Store) Recent(ctx context.Context, targetID string, n int) ([]*Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots
		WHERE target_id = ? AND status = 'ok'
		ORDER BY fetched_at DESC, id DESC LIMIT ?`, targetID, n)
	if err != nil {
		return nil, dbopen.Wrap("recent snapshots", err)
	}
	snaps, err := collect(rows)
	return snaps, dbopen.Wrap("recent snapshots", err)
}

// ListByTarget returns the target's snapshots of any status, newest first,
// without raw content.
func (s *Store) ListByTarget(ctx context.Context, targetID string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+listCols+` FROM snapshots
		WHERE target_id = ?
		ORDER BY fetched_at DESC, id DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, dbopen.Wrap("list snapshots", err)
	}
	snaps, err := collect(rows)
	return snaps, dbopen.Wrap("list snapshots", err)
}

// NearestAtOrAfter returns the earliest ok snapshot of the target fetched in
// [at, at+window], skipping exclude. Nil when none.
func (s *Store) NearestAtOrAfter(ctx context.Context, targetID string, at time.Time, window time.Duration, exclude ...int64) (*Snapshot, error) {
	from := at.UnixMilli()
	notIn, ex := excluding(exclude)
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+listCols+` FROM snapshots
		WHERE target_id = ? AND status = 'ok'`+notIn+`
		  AND fetched_at >= ? AND fetched_at <= ?
		ORDER BY fetched_at ASC, id ASC LIMIT 1`,
		append(append([]any{targetID}, ex...), from, from+window.Milliseconds())...)
	snap, err := scanSnapshot(row)
	return snap, dbopen.Wrap("nearest snapshot", err)
}

// NearestBefore returns the latest ok snapshot of the target fetched in
// [at-window, at], skipping exclude. Nil when none.
func (s *Store) NearestBefore(ctx context.Context, targetID string, at time.Time, window time.Duration, exclude ...int64) (*Snapshot, error) {
	to := at.UnixMilli()
	notIn, ex := excluding(exclude)
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+listCols+` FROM snapshots
		WHERE target_id = ? AND status = 'ok'`+notIn+`
		  AND fetched_at <= ? AND fetched_at >= ?
		ORDER BY fetched_at DESC, id DESC LIMIT 1`,
		append(append([]any{targetID}, ex...), to, to-window.Milliseconds())...)
	snap, err := scanSnapshot(row)
	return snap, dbopen.Wrap("nearest snapshot", err)
}

// Nearest returns the ok snapshot of the target whose fetched_at is closest
// to at within ±window, skipping exclude. Equal distances go to the earlier
// snapshot. Nil when none.
func (s *Store) Nearest(ctx context.Context, targetID string, at time.Time, window time.Duration, exclude ...int64) (*Snapshot, error) {
	t, w := at.UnixMilli(), window.Milliseconds()
	notIn, ex := excluding(exclude)
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+listCols+` FROM snapshots
		WHERE target_id = ? AND status = 'ok'`+notIn+`
		  AND fetched_at >= ? AND fetched_at <= ?
		ORDER BY ABS(fetched_at - ?) ASC, fetched_at ASC, id ASC LIMIT 1`,
		append(append([]any{targetID}, ex...), t-w, t+w, t)...)
	snap, err := scanSnapshot(row)
	return snap, dbopen.Wrap("nearest snapshot", err)
}

// excluding builds an "AND id NOT IN (...)" clause. Zero ids are ignored.
func excluding(ids []int64) (string, []any) {
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			args = append(args, id)
		}
	}
	if len(args) == 0 {
		return "", nil
	}
	return " AND id NOT IN (?" + strings.Repeat(", ?", len(args)-1) + ")", args
}

// ByHashBefore returns the ok snapshots of the target carrying hash and
// fetched in [at-window, at], newest first.
func (s *Store) ByHashBefore(ctx context.Context, targetID, hash string, at time.Time, window time.Duration) ([]*Snapshot, error) {
	to := at.UnixMilli()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+listCols+` FROM snapshots
		WHERE target_id = ? AND content_hash = ? AND status = 'ok'
		  AND fetched_at <= ? AND fetched_at >= ?
		ORDER BY fetched_at DESC, id DESC`,
		targetID, hash, to, to-window.Milliseconds())
	if err != nil {
		return nil, dbopen.Wrap("snapshots by hash", err)
	}
	snaps, err := collect(rows)
	return snaps, dbopen.Wrap("snapshots by hash", err)
}

// PruneRaw clears raw_content of snapshots fetched before olderThan, keeping
// the keepPerTarget newest snapshots of every target intact. Hashes and
// metadata stay. Returns the number of rows pruned.
func (s *Store) PruneRaw(ctx context.Context, olderThan time.Time, keepPerTarget int) (int64, error) {
	if keepPerTarget < 0 {
		keepPerTarget = 0
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE snapshots SET raw_content = NULL
		WHERE raw_content IS NOT NULL AND fetched_at < ?
		  AND id NOT IN (
		    SELECT id FROM (
		      SELECT id, ROW_NUMBER() OVER (
		        PARTITION BY target_id ORDER BY fetched_at DESC, id DESC) AS rn
		      FROM snapshots)
		    WHERE rn <= ?)`,
		olderThan.UnixMilli(), keepPerTarget)
	if err != nil {
		return 0, dbopen.Wrap("prune raw", err)
	}
	return res.RowsAffected()
}

// Count returns the number of snapshots, all statuses.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, dbopen.Wrap("count snapshots", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		snap             Snapshot
		fetched, created int64
		raw              []byte
	)
	err := row.Scan(&snap.ID, &snap.TargetID, &fetched, &snap.ContentHash, &snap.HashAlgo,
		&raw, &snap.RawPruned, &snap.RawSize,
		&snap.Status, &snap.StatusCode, &snap.Error, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.FetchedAt = time.UnixMilli(fetched).UTC()
	snap.CreatedAt = time.UnixMilli(created).UTC()
	if !snap.RawPruned {
		snap.Raw = raw
	}
	return &snap, nil
}

func collect(rows *sql.Rows) ([]*Snapshot, error) {
	defer rows.Close()
	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
