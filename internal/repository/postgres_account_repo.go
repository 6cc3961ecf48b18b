package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/studypulse/internal/model"
)

// querier は*sql.DBと*sql.Txの共通部分。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectAccountColumns = `SELECT id, identity_key, name, email, avatar_url, activation_state, is_admin,
	access_until, registered_ip,
	session_device_id, session_browser, session_os, session_ip, session_last_activity_at, session_state,
	streak_count, longest_count, last_activity_date, streak_activity,
	flagged, created_at, updated_at
	FROM accounts`

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByID は指定IDのアカウントをフラグ状態付きで取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, selectAccountColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	if account == nil {
		return nil, nil
	}
	if err := loadFlags(ctx, r.db, []*model.Account{account}); err != nil {
		return nil, err
	}
	return account, nil
}

// FindByIdentityKey はIdPの安定IDでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByIdentityKey(ctx context.Context, identityKey string) (*model.Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, selectAccountColumns+` WHERE identity_key = $1`, identityKey))
	if err != nil {
		return nil, fmt.Errorf("failed to find account by identity key: %w", err)
	}
	return account, nil
}

// List は全アカウントを作成日時の昇順で返す。
func (r *PostgresAccountRepo) List(ctx context.Context) ([]*model.Account, error) {
	return queryAccounts(ctx, r.db, selectAccountColumns+` ORDER BY created_at ASC, id ASC`)
}

// CreateWithLogin はアカウントと最初のログイン履歴を同一トランザクションで作成する。
func (r *PostgresAccountRepo) CreateWithLogin(ctx context.Context, account *model.Account, login *model.LoginHistoryEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, identity_key, name, email, avatar_url, activation_state, is_admin,
		 access_until, registered_ip, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		account.ID, account.IdentityKey, account.Name, account.Email, account.AvatarURL,
		string(account.Activation), account.IsAdmin, account.AccessUntil, account.RegisteredIP,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}

	if err := writeAccountState(ctx, tx, account); err != nil {
		return err
	}

	if login != nil {
		login.AccountID = account.ID
		if err := insertLogin(ctx, tx, login); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Update はアカウント行をSELECT ... FOR UPDATEでロックした状態でfnを呼び出し、
// 返された変更を同一トランザクションで書き込む。
func (r *PostgresAccountRepo) Update(ctx context.Context, id string, fn MutateFunc) (*model.Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := scanAccount(tx.QueryRowContext(ctx, selectAccountColumns+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}

	mutation, err := fn(account)
	if err != nil {
		return nil, err
	}
	if mutation == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return account, nil
	}

	ApplyMutation(account, mutation)
	account.UpdatedAt = time.Now()

	if err := writeAccountState(ctx, tx, account); err != nil {
		return nil, err
	}

	if mutation.AppendLogin != nil {
		mutation.AppendLogin.AccountID = account.ID
		if err := insertLogin(ctx, tx, mutation.AppendLogin); err != nil {
			return nil, err
		}
	}

	if mutation.CloseLatestLoginAt != nil {
		_, err := tx.ExecContext(ctx,
			`UPDATE login_history SET logout_at = $2
			 WHERE id = (SELECT id FROM login_history WHERE account_id = $1 ORDER BY id DESC LIMIT 1)
			   AND logout_at IS NULL`,
			account.ID, *mutation.CloseLatestLoginAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to close login history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return account, nil
}

// DeleteByID は指定IDのアカウントを削除する。
// login_history、tracking_entries、フラグはCASCADE削除される。
func (r *PostgresAccountRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewAccountNotFoundError()
	}
	return nil
}

// ListByAccountID はアカウントのログイン履歴を追記順に返す。
func (r *PostgresAccountRepo) ListByAccountID(ctx context.Context, accountID string) ([]model.LoginHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, browser, os, ip, login_at, logout_at
		 FROM login_history WHERE account_id = $1 ORDER BY id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list login history: %w", err)
	}
	defer rows.Close()

	var entries []model.LoginHistoryEntry
	for rows.Next() {
		var e model.LoginHistoryEntry
		var logoutAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Device.Browser, &e.Device.OS, &e.IP, &e.LoginTime, &logoutAt); err != nil {
			return nil, fmt.Errorf("failed to scan login history: %w", err)
		}
		if logoutAt.Valid {
			t := logoutAt.Time
			e.LogoutTime = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login history: %w", err)
	}
	return entries, nil
}

// ApplyMutation はmutationの非nilフィールドをaccountに反映する。
// ログイン履歴の追記・クローズはサイドテーブルの操作のため、ここでは扱わない。
func ApplyMutation(account *model.Account, m *AccountMutation) {
	if m.Session != nil {
		s := *m.Session
		account.Session = &s
	}
	if m.Streak != nil {
		account.Streak = *m.Streak
	}
	if m.Activation != nil {
		account.Activation = *m.Activation
	}
	if m.AccessUntil != nil {
		t := *m.AccessUntil
		account.AccessUntil = &t
	}
}

// writeAccountState はセッション・ストリーク・管理項目をaccountsテーブルに書き込む。
func writeAccountState(ctx context.Context, q querier, a *model.Account) error {
	activity, err := json.Marshal(activityOrEmpty(a.Streak.Activity))
	if err != nil {
		return fmt.Errorf("failed to marshal streak activity: %w", err)
	}

	var deviceID, lastActivity, state any
	var browser, osName, ip string
	if a.Session != nil {
		deviceID = a.Session.DeviceID
		browser = a.Session.Device.Browser
		osName = a.Session.Device.OS
		ip = a.Session.IP
		lastActivity = a.Session.LastActivity
		state = string(a.Session.State)
	}

	var lastActivityDate any
	if a.Streak.LastActivity != "" {
		lastActivityDate = a.Streak.LastActivity
	}

	_, err = q.ExecContext(ctx,
		`UPDATE accounts SET
		   activation_state = $2, access_until = $3,
		   session_device_id = $4, session_browser = $5, session_os = $6, session_ip = $7,
		   session_last_activity_at = $8, session_state = $9,
		   streak_count = $10, longest_count = $11, last_activity_date = $12, streak_activity = $13,
		   updated_at = $14
		 WHERE id = $1`,
		a.ID, string(a.Activation), a.AccessUntil,
		deviceID, browser, osName, ip, lastActivity, state,
		a.Streak.StreakCount, a.Streak.LongestCount, lastActivityDate, activity,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account state: %w", err)
	}
	return nil
}

func insertLogin(ctx context.Context, q querier, e *model.LoginHistoryEntry) error {
	ip := e.IP
	if ip == "" {
		ip = "not available"
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO login_history (account_id, browser, os, ip, login_at, logout_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.AccountID, e.Device.Browser, e.Device.OS, ip, e.LoginTime, e.LogoutTime,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert login history: %w", err)
	}
	e.IP = ip
	return nil
}

// scanAccount は1行をAccountに変換する。行がない場合はnil, nilを返す。
func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a                          model.Account
		activation                 string
		accessUntil                sql.NullTime
		deviceID, sessionState     sql.NullString
		browser, osName, sessionIP string
		sessionLastActivity        sql.NullTime
		lastActivityDate           sql.NullTime
		activity                   []byte
	)

	err := row.Scan(
		&a.ID, &a.IdentityKey, &a.Name, &a.Email, &a.AvatarURL, &activation, &a.IsAdmin,
		&accessUntil, &a.RegisteredIP,
		&deviceID, &browser, &osName, &sessionIP, &sessionLastActivity, &sessionState,
		&a.Streak.StreakCount, &a.Streak.LongestCount, &lastActivityDate, &activity,
		&a.Flags.Flagged, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.Activation = model.ActivationState(activation)
	if accessUntil.Valid {
		t := accessUntil.Time
		a.AccessUntil = &t
	}
	if deviceID.Valid {
		a.Session = &model.DeviceSession{
			DeviceID:     deviceID.String,
			Device:       model.DeviceInfo{Browser: browser, OS: osName},
			IP:           sessionIP,
			LastActivity: sessionLastActivity.Time,
			State:        model.SessionState(sessionState.String),
		}
	}
	if lastActivityDate.Valid {
		a.Streak.LastActivity = lastActivityDate.Time.Format(time.DateOnly)
	}
	if len(activity) > 0 {
		if err := json.Unmarshal(activity, &a.Streak.Activity); err != nil {
			return nil, fmt.Errorf("failed to unmarshal streak activity: %w", err)
		}
	}
	return &a, nil
}

func queryAccounts(ctx context.Context, q querier, query string, args ...any) ([]*model.Account, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

func activityOrEmpty(days []model.ActivityDay) []model.ActivityDay {
	if days == nil {
		return []model.ActivityDay{}
	}
	return days
}

// compile-time interface check
var (
	_ AccountRepository      = (*PostgresAccountRepo)(nil)
	_ LoginHistoryRepository = (*PostgresAccountRepo)(nil)
)
