package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"jobline/internal/domain"
)

const tokenColumns = `name,locked,locked_at,version,created_at,used_ts`

func scanToken(row rowScanner) (domain.Token, error) {
	var t domain.Token
	var locked int
	var lockedAt sql.NullString
	var createdAt string
	var usedTS int64
	err := row.Scan(&t.Name, &locked, &lockedAt, &t.Version, &createdAt, &usedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Locked = locked == 1
	t.LockedAt = parseTime(lockedAt)
	if ts := parseTime(sql.NullString{String: createdAt, Valid: true}); ts != nil {
		t.Created = *ts
	}
	if usedTS > 0 {
		used := time.UnixMilli(usedTS).UTC()
		t.UsedAt = &used
	}
	return t, nil
}

// EnsureToken creates an unlocked token row if none exists.
func (r Repo) EnsureToken(ctx context.Context, name string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO tokens(name,locked,version,created_at,used_ts) VALUES (?,0,0,?,?)`,
		name, formatTime(now), now.UnixMilli())
	return err
}

func (r Repo) GetToken(ctx context.Context, name string) (domain.Token, error) {
	return scanToken(r.DB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE name=?`, name))
}

func (r Repo) ListTokens(ctx context.Context) ([]domain.Token, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LockToken locks the token if its version is still version.
func (r Repo) LockToken(ctx context.Context, name string, version int64, now time.Time) (bool, error) {
	return r.casToken(ctx, `UPDATE tokens SET locked=1, locked_at=?, locked_ts=?, used_ts=?, version=version+1 WHERE name=? AND version=?`,
		formatTime(now), now.UnixMilli(), now.UnixMilli(), name, version)
}

// UnlockToken unlocks the token if it is locked at version.
func (r Repo) UnlockToken(ctx context.Context, name string, version int64, now time.Time) (bool, error) {
	return r.casToken(ctx, `UPDATE tokens SET locked=0, used_ts=?, version=version+1 WHERE name=? AND version=? AND locked=1`,
		now.UnixMilli(), name, version)
}

// TouchToken moves the lease start of a locked token to now.
func (r Repo) TouchToken(ctx context.Context, name string, version int64, now time.Time) (bool, error) {
	return r.casToken(ctx, `UPDATE tokens SET locked_at=?, locked_ts=?, used_ts=?, version=version+1 WHERE name=? AND version=? AND locked=1`,
		formatTime(now), now.UnixMilli(), now.UnixMilli(), name, version)
}

func (r Repo) casToken(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteUnusedTokens removes tokens untouched since cutoff that are neither
// held nor referenced by pending or static work.
func (r Repo) DeleteUnusedTokens(ctx context.Context, cutoff, now time.Time, selfRelease time.Duration) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tokens
WHERE used_ts < ?
AND NOT (locked=1 AND ?-locked_ts < ?)
AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.token=tokens.name AND (t.finished=0 OR t.is_static=1))`,
		cutoff.UnixMilli(), now.UnixMilli(), selfRelease.Milliseconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
