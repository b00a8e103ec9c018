package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/store"
)

// SQLRepo reads accounts from the ad_accounts table. Credentials are not
// stored here; platform defaults and config overrides supply them.
type SQLRepo struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewSQLRepo creates an account repository on an open database.
func NewSQLRepo(db *sql.DB, d store.Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: d}
}

// EnsureSchema creates ad_accounts if it is missing.
func (r *SQLRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS ad_accounts (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		active             BOOLEAN NOT NULL DEFAULT TRUE,
		meta_account_id    TEXT NOT NULL DEFAULT '',
		google_customer_id TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("ensure ad_accounts: %w", err)
	}
	return nil
}

// Save upserts an account row.
func (r *SQLRepo) Save(ctx context.Context, a domain.Account) error {
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(`
		INSERT INTO ad_accounts (id, name, active, meta_account_id, google_customer_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			meta_account_id = excluded.meta_account_id,
			google_customer_id = excluded.google_customer_id
	`), a.ID, a.Name, a.Active, a.ExternalIDs[domain.PlatformMeta], a.ExternalIDs[domain.PlatformGoogle])
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (r *SQLRepo) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, active, meta_account_id, google_customer_id
		FROM ad_accounts WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLRepo) Get(ctx context.Context, id string) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`
		SELECT id, name, active, meta_account_id, google_customer_id
		FROM ad_accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc rowScanner) (domain.Account, error) {
	var (
		a              domain.Account
		metaID, gadsID string
	)
	if err := sc.Scan(&a.ID, &a.Name, &a.Active, &metaID, &gadsID); err != nil {
		return domain.Account{}, err
	}
	a.ExternalIDs = map[domain.Platform]string{}
	if metaID != "" {
		a.ExternalIDs[domain.PlatformMeta] = metaID
	}
	if gadsID != "" {
		a.ExternalIDs[domain.PlatformGoogle] = gadsID
	}
	return a, nil
}
