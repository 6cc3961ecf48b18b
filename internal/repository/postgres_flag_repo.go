package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/studypulse/internal/model"
)

// PostgresFlagRepo はPostgreSQLを使用したフラグリポジトリ。
type PostgresFlagRepo struct {
	db *sql.DB
}

// NewPostgresFlagRepo はPostgresFlagRepoを生成する。
func NewPostgresFlagRepo(db *sql.DB) *PostgresFlagRepo {
	return &PostgresFlagRepo{db: db}
}

// ListFlagged はflagged=trueのアカウントをフラグ状態付きで返す。
func (r *PostgresFlagRepo) ListFlagged(ctx context.Context) ([]*model.Account, error) {
	accounts, err := queryAccounts(ctx, r.db, selectAccountColumns+` WHERE flagged ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	if err := loadFlags(ctx, r.db, accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// AppendIPFlag はIPフラグを追加し、アカウントをflagged=trueにする。
func (r *PostgresFlagRepo) AppendIPFlag(ctx context.Context, accountID string, flag model.IPFlag) error {
	return r.withFlaggedAccount(ctx, accountID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ip_flags (account_id, ip, detected_at) VALUES ($1, $2, $3)`,
			accountID, flag.IP, flag.DetectedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert ip flag: %w", err)
		}
		return nil
	})
}

// AppendLoginFlag はログイン集中フラグを追加し、アカウントをflagged=trueにする。
func (r *PostgresFlagRepo) AppendLoginFlag(ctx context.Context, accountID string, flag model.LoginFlag) error {
	devices := flag.Devices
	if devices == nil {
		devices = []model.FlaggedDevice{}
	}
	payload, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to marshal flagged devices: %w", err)
	}

	return r.withFlaggedAccount(ctx, accountID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO login_flags (account_id, flag_date, devices) VALUES ($1, $2, $3)`,
			accountID, flag.Date, payload,
		)
		if err != nil {
			return fmt.Errorf("failed to insert login flag: %w", err)
		}
		return nil
	})
}

// withFlaggedAccount はアカウントをflagged=trueにしたうえでinsertを同一トランザクションで実行する。
func (r *PostgresFlagRepo) withFlaggedAccount(ctx context.Context, accountID string, insert func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE accounts SET flagged = TRUE, updated_at = now() WHERE id = $1`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark account flagged: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.NewAccountNotFoundError()
	}

	if err := insert(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// loadFlags は複数アカウントのIPフラグとログインフラグを一括で読み込む。
func loadFlags(ctx context.Context, q querier, accounts []*model.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	byID := make(map[string]*model.Account, len(accounts))
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	ipRows, err := q.QueryContext(ctx,
		`SELECT account_id, ip, detected_at FROM ip_flags
		 WHERE account_id = ANY($1::uuid[]) ORDER BY id ASC`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to query ip flags: %w", err)
	}
	defer ipRows.Close()
	for ipRows.Next() {
		var accountID string
		var f model.IPFlag
		if err := ipRows.Scan(&accountID, &f.IP, &f.DetectedAt); err != nil {
			return fmt.Errorf("failed to scan ip flag: %w", err)
		}
		if a := byID[accountID]; a != nil {
			a.Flags.IPFlags = append(a.Flags.IPFlags, f)
		}
	}
	if err := ipRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate ip flags: %w", err)
	}

	loginRows, err := q.QueryContext(ctx,
		`SELECT account_id, flag_date, devices FROM login_flags
		 WHERE account_id = ANY($1::uuid[]) ORDER BY id ASC`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to query login flags: %w", err)
	}
	defer loginRows.Close()
	for loginRows.Next() {
		var accountID string
		var f model.LoginFlag
		var devices []byte
		if err := loginRows.Scan(&accountID, &f.Date, &devices); err != nil {
			return fmt.Errorf("failed to scan login flag: %w", err)
		}
		if err := json.Unmarshal(devices, &f.Devices); err != nil {
			return fmt.Errorf("failed to unmarshal flagged devices: %w", err)
		}
		if a := byID[accountID]; a != nil {
			a.Flags.LoginFlags = append(a.Flags.LoginFlags, f)
		}
	}
	if err := loginRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate login flags: %w", err)
	}
	return nil
}

// compile-time interface check
var _ FlagRepository = (*PostgresFlagRepo)(nil)
