package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tradefleet/internal/models"

	_ "github.com/lib/pq"
)

// PostgresStorage keeps the local account roster and the trade archive. It
// is the fleet's durable memory between restarts; the backend remains the
// source of truth.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(connStr string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStorage{db: db}

	err = s.initTables()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return s, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// LoadAccounts returns every account in the roster, active or not.
func (s *PostgresStorage) LoadAccounts(ctx context.Context) ([]models.Account, error) {
	query := `
        SELECT platform_id, login, password, name, login_key, shared_secret,
               identity_secret, api_key, trade_link, app_scope, proxy,
               active, updated_at
        FROM accounts
        ORDER BY login ASC
    `

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var result []models.Account
	for rows.Next() {
		var a models.Account
		err := rows.Scan(
			&a.PlatformID,
			&a.Login,
			&a.Password,
			&a.Name,
			&a.LoginKey,
			&a.SharedSecret,
			&a.IdentitySecret,
			&a.APIKey,
			&a.TradeLink,
			&a.AppScope,
			&a.Proxy,
			&a.Active,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		result = append(result, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}

	return result, nil
}

// SaveAccount upserts the account keyed by login. Online status is runtime
// state and deliberately not stored.
func (s *PostgresStorage) SaveAccount(ctx context.Context, account *models.Account) error {
	query := `
        INSERT INTO accounts (
            platform_id, login, password, name, login_key, shared_secret,
            identity_secret, api_key, trade_link, app_scope, proxy,
            active, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
        )
        ON CONFLICT (login) DO UPDATE SET
            platform_id = EXCLUDED.platform_id,
            password = EXCLUDED.password,
            name = EXCLUDED.name,
            login_key = EXCLUDED.login_key,
            shared_secret = EXCLUDED.shared_secret,
            identity_secret = EXCLUDED.identity_secret,
            api_key = EXCLUDED.api_key,
            trade_link = EXCLUDED.trade_link,
            app_scope = EXCLUDED.app_scope,
            proxy = EXCLUDED.proxy,
            active = EXCLUDED.active,
            updated_at = EXCLUDED.updated_at
    `

	_, err := s.db.ExecContext(ctx, query,
		account.PlatformID,
		account.Login,
		account.Password,
		account.Name,
		account.LoginKey,
		account.SharedSecret,
		account.IdentitySecret,
		account.APIKey,
		account.TradeLink,
		account.AppScope,
		account.Proxy,
		account.Active,
		time.Now(),
	)

	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

// ArchiveTrade upserts a trade snapshot. Unsent request trades have no offer
// id yet and are keyed by request id instead.
func (s *PostgresStorage) ArchiveTrade(ctx context.Context, accountID string, snap *models.TradeSnapshot) error {
	key := snap.OfferID
	if key == "" {
		key = "request:" + snap.RequestID
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode trade snapshot: %w", err)
	}

	query := `
        INSERT INTO trades (
            trade_key, offer_id, account_id, partner_id, request_id,
            kind, state, done, fail_reason, snapshot, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
        )
        ON CONFLICT (trade_key) DO UPDATE SET
            offer_id = EXCLUDED.offer_id,
            state = EXCLUDED.state,
            done = EXCLUDED.done,
            fail_reason = EXCLUDED.fail_reason,
            snapshot = EXCLUDED.snapshot,
            updated_at = EXCLUDED.updated_at
    `

	_, err = s.db.ExecContext(ctx, query,
		key,
		snap.OfferID,
		accountID,
		snap.PartnerID,
		snap.RequestID,
		string(snap.Kind),
		int(snap.State),
		snap.Done,
		snap.FailReason,
		payload,
		time.Now(),
	)

	if err != nil {
		return fmt.Errorf("failed to archive trade: %w", err)
	}

	return nil
}

// TradesForAccount returns the archived snapshots for one account, newest
// first.
func (s *PostgresStorage) TradesForAccount(ctx context.Context, accountID string, limit int) ([]models.TradeSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
        SELECT snapshot
        FROM trades
        WHERE account_id = $1
        ORDER BY updated_at DESC
        LIMIT $2
    `

	rows, err := s.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var result []models.TradeSnapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		var snap models.TradeSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode trade snapshot: %w", err)
		}
		result = append(result, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}

	return result, nil
}

func (s *PostgresStorage) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id SERIAL PRIMARY KEY,
			platform_id VARCHAR(32),
			login VARCHAR(100) UNIQUE NOT NULL,
			password VARCHAR(200),
			name VARCHAR(100),
			login_key VARCHAR(200),
			shared_secret VARCHAR(200),
			identity_secret VARCHAR(200),
			api_key VARCHAR(100),
			trade_link VARCHAR(300),
			app_scope INTEGER DEFAULT 0,
			proxy VARCHAR(200),
			active BOOLEAN DEFAULT TRUE,
			updated_at TIMESTAMP DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			trade_key VARCHAR(100) UNIQUE NOT NULL,
			offer_id VARCHAR(32),
			account_id VARCHAR(32) NOT NULL,
			partner_id VARCHAR(32),
			request_id VARCHAR(100),
			kind VARCHAR(20),
			state INTEGER,
			done BOOLEAN DEFAULT FALSE,
			fail_reason VARCHAR(100),
			snapshot JSONB,
			updated_at TIMESTAMP DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_account
			ON trades(account_id, updated_at DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}
