package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/studypulse/internal/model"
)

// pqForeignKeyViolation はPostgreSQLの外部キー制約違反のSQLSTATE。
const pqForeignKeyViolation = "23503"

// PostgresTrackingRepo はPostgreSQLを使用したトラッキング区間リポジトリ。
type PostgresTrackingRepo struct {
	db *sql.DB
}

// NewPostgresTrackingRepo はPostgresTrackingRepoを生成する。
func NewPostgresTrackingRepo(db *sql.DB) *PostgresTrackingRepo {
	return &PostgresTrackingRepo{db: db}
}

// Append は区間を追加し、採番されたIDをentryに設定する。
func (r *PostgresTrackingRepo) Append(ctx context.Context, entry *model.TrackingEntry) error {
	state := entry.State
	if state == "" {
		state = model.PresenceOpen
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO tracking_entries (account_id, page, page_id, connection_id, started_at, ended_at, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		entry.AccountID, entry.Page, entry.PageID, entry.ConnectionID, entry.StartTime, entry.EndTime, string(state),
	).Scan(&entry.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return model.NewAccountNotFoundError()
		}
		return fmt.Errorf("failed to insert tracking entry: %w", err)
	}
	entry.State = state
	return nil
}

// CloseOldestOpen は条件に一致する開いた区間のうちIDが最小の1件を閉じる。
func (r *PostgresTrackingRepo) CloseOldestOpen(ctx context.Context, q CloseQuery, at time.Time) (int64, error) {
	query := `UPDATE tracking_entries SET state = 'closed', ended_at = $1
		WHERE id = (
			SELECT id FROM tracking_entries
			WHERE account_id = $2 AND page = $3 AND page_id = $4 AND state = 'open'
			  AND ($5 = '' OR connection_id = $5)
			ORDER BY id ASC LIMIT 1
			FOR UPDATE
		)`
	result, err := r.db.ExecContext(ctx, query, at, q.AccountID, q.Page, q.PageID, q.ConnectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to close tracking entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// CloseByConnection は接続IDを持つ開いた区間をすべて閉じる。
func (r *PostgresTrackingRepo) CloseByConnection(ctx context.Context, connectionID string, at time.Time) (string, int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE tracking_entries SET state = 'closed', ended_at = $2
		 WHERE connection_id = $1 AND state = 'open'
		 RETURNING account_id`,
		connectionID, at,
	)
	if err != nil {
		return "", 0, fmt.Errorf("failed to close tracking entries by connection: %w", err)
	}
	defer rows.Close()

	var (
		accountID string
		closed    int64
	)
	for rows.Next() {
		if err := rows.Scan(&accountID); err != nil {
			return "", 0, fmt.Errorf("failed to scan account id: %w", err)
		}
		closed++
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("failed to iterate closed entries: %w", err)
	}
	return accountID, closed, nil
}

// ListByAccountID はアカウントの区間を追記順に返す。
func (r *PostgresTrackingRepo) ListByAccountID(ctx context.Context, accountID string) ([]model.TrackingEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, page, page_id, connection_id, started_at, ended_at, state
		 FROM tracking_entries WHERE account_id = $1 ORDER BY id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking entries: %w", err)
	}
	defer rows.Close()

	var entries []model.TrackingEntry
	for rows.Next() {
		e, err := scanTrackingEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracking entries: %w", err)
	}
	return entries, nil
}

// ListByPage は指定ページカテゴリの区間を持つ全アカウントを、アカウントの作成順に返す。
func (r *PostgresTrackingRepo) ListByPage(ctx context.Context, page string) ([]AccountTracking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.name, a.email,
		        t.id, t.account_id, t.page, t.page_id, t.connection_id, t.started_at, t.ended_at, t.state
		 FROM tracking_entries t
		 JOIN accounts a ON a.id = t.account_id
		 WHERE t.page = $1
		 ORDER BY a.created_at ASC, a.id ASC, t.id ASC`,
		page,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking entries by page: %w", err)
	}
	defer rows.Close()

	var result []AccountTracking
	for rows.Next() {
		var (
			accountID, name, email string
			e                      model.TrackingEntry
			endedAt                sql.NullTime
			state                  string
		)
		if err := rows.Scan(&accountID, &name, &email,
			&e.ID, &e.AccountID, &e.Page, &e.PageID, &e.ConnectionID, &e.StartTime, &endedAt, &state); err != nil {
			return nil, fmt.Errorf("failed to scan tracking entry: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			e.EndTime = &t
		}
		e.State = model.PresenceState(state)

		if n := len(result); n == 0 || result[n-1].AccountID != accountID {
			result = append(result, AccountTracking{AccountID: accountID, Name: name, Email: email})
		}
		last := &result[len(result)-1]
		last.Entries = append(last.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracking entries: %w", err)
	}
	return result, nil
}

func scanTrackingEntry(row rowScanner) (model.TrackingEntry, error) {
	var (
		e       model.TrackingEntry
		endedAt sql.NullTime
		state   string
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.Page, &e.PageID, &e.ConnectionID, &e.StartTime, &endedAt, &state); err != nil {
		return e, fmt.Errorf("failed to scan tracking entry: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		e.EndTime = &t
	}
	e.State = model.PresenceState(state)
	return e, nil
}

// compile-time interface check
var _ TrackingRepository = (*PostgresTrackingRepo)(nil)
