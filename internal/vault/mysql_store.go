package vault

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "vaultd/internal/errors"
)

// MySQLStore persists engine records in MySQL.
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig carries connection parameters for the store.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore opens the database and bootstraps the schema.
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql dsn cannot be empty")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql")
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS vault_configs (
        version TINYINT UNSIGNED PRIMARY KEY,
        admin CHAR(42) NOT NULL,
        settlement_asset CHAR(42) NOT NULL,
        created_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS vaults (
        owner CHAR(42) PRIMARY KEY,
        admin CHAR(42) NOT NULL,
        balance BIGINT UNSIGNED NOT NULL DEFAULT 0,
        locked_margin BIGINT UNSIGNED NOT NULL DEFAULT 0,
        total_deposited BIGINT UNSIGNED NOT NULL DEFAULT 0,
        total_withdrawn BIGINT UNSIGNED NOT NULL DEFAULT 0,
        frozen TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_vault_admin (admin)
)`,
		`CREATE TABLE IF NOT EXISTS vault_delegates (
        owner CHAR(42) NOT NULL,
        delegate CHAR(42) NOT NULL,
        permissions BIGINT UNSIGNED NOT NULL,
        max_notional BIGINT UNSIGNED NOT NULL,
        consumed_notional BIGINT UNSIGNED NOT NULL DEFAULT 0,
        expiry_height BIGINT UNSIGNED NOT NULL,
        revoked TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (owner, delegate)
)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "bootstrap vault schema")
		}
	}
	return nil
}

// GetConfig implements Store.
func (s *MySQLStore) GetConfig(ctx context.Context, version uint8) (*GlobalConfig, error) {
	const stmt = `SELECT version, admin, settlement_asset, created_at FROM vault_configs WHERE version = ?`

	var cfg GlobalConfig
	var admin, asset string
	err := s.db.QueryRowContext(ctx, stmt, version).Scan(&cfg.Version, &admin, &asset, &cfg.CreatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query global config")
	}
	cfg.Admin = common.HexToAddress(admin)
	cfg.SettlementAsset = common.HexToAddress(asset)
	return &cfg, nil
}

// PutConfig implements Store.
func (s *MySQLStore) PutConfig(ctx context.Context, cfg *GlobalConfig) error {
	const stmt = `INSERT INTO vault_configs (version, admin, settlement_asset, created_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		cfg.Version,
		cfg.Admin.Hex(),
		cfg.SettlementAsset.Hex(),
		cfg.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrAlreadyInitialized
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert global config")
	}
	return nil
}

// GetVault implements Store.
func (s *MySQLStore) GetVault(ctx context.Context, owner common.Address) (*Vault, error) {
	const stmt = `SELECT owner, admin, balance, locked_margin, total_deposited, total_withdrawn, frozen, created_at, updated_at
        FROM vaults WHERE owner = ?`

	row := s.db.QueryRowContext(ctx, stmt, owner.Hex())
	return scanVault(row)
}

// CreateVault implements Store.
func (s *MySQLStore) CreateVault(ctx context.Context, v *Vault) error {
	const stmt = `INSERT INTO vaults
        (owner, admin, balance, locked_margin, total_deposited, total_withdrawn, frozen, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		v.Owner.Hex(),
		v.Admin.Hex(),
		v.Balance,
		v.LockedMargin,
		v.TotalDeposited,
		v.TotalWithdrawn,
		v.Frozen,
		v.CreatedAt,
		v.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrVaultExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert vault")
	}
	return nil
}

// UpdateVault implements Store.
func (s *MySQLStore) UpdateVault(ctx context.Context, v *Vault) error {
	const stmt = `UPDATE vaults SET admin = ?, balance = ?, locked_margin = ?, total_deposited = ?,
        total_withdrawn = ?, frozen = ?, updated_at = ? WHERE owner = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		v.Admin.Hex(),
		v.Balance,
		v.LockedMargin,
		v.TotalDeposited,
		v.TotalWithdrawn,
		v.Frozen,
		v.UpdatedAt,
		v.Owner.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update vault")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Zero rows can also mean an identical write; confirm existence.
		if _, getErr := s.GetVault(ctx, v.Owner); getErr != nil {
			return getErr
		}
	}
	return nil
}

// GetDelegate implements Store.
func (s *MySQLStore) GetDelegate(ctx context.Context, owner, delegate common.Address) (*Delegate, error) {
	const stmt = `SELECT owner, delegate, permissions, max_notional, consumed_notional, expiry_height, revoked, created_at, updated_at
        FROM vault_delegates WHERE owner = ? AND delegate = ?`

	row := s.db.QueryRowContext(ctx, stmt, owner.Hex(), delegate.Hex())
	d, err := scanDelegate(row)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// PutDelegate implements Store.
func (s *MySQLStore) PutDelegate(ctx context.Context, d *Delegate) error {
	const stmt = `INSERT INTO vault_delegates
        (owner, delegate, permissions, max_notional, consumed_notional, expiry_height, revoked, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        permissions = VALUES(permissions),
        max_notional = VALUES(max_notional),
        consumed_notional = VALUES(consumed_notional),
        expiry_height = VALUES(expiry_height),
        revoked = VALUES(revoked),
        updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		d.Owner.Hex(),
		d.Address.Hex(),
		uint64(d.Permissions),
		d.MaxNotional,
		d.ConsumedNotional,
		d.ExpiryHeight,
		d.Revoked,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert delegate")
	}
	return nil
}

// ListDelegates implements Store.
func (s *MySQLStore) ListDelegates(ctx context.Context, owner common.Address) ([]*Delegate, error) {
	const stmt = `SELECT owner, delegate, permissions, max_notional, consumed_notional, expiry_height, revoked, created_at, updated_at
        FROM vault_delegates WHERE owner = ? ORDER BY delegate ASC`

	rows, err := s.db.QueryContext(ctx, stmt, owner.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query delegates")
	}
	defer rows.Close()

	results := make([]*Delegate, 0, 4)
	for rows.Next() {
		d, err := scanDelegate(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate delegates")
	}
	return results, nil
}

// Close releases the underlying database handle.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (*Vault, error) {
	var v Vault
	var owner, admin string
	if err := row.Scan(
		&owner,
		&admin,
		&v.Balance,
		&v.LockedMargin,
		&v.TotalDeposited,
		&v.TotalWithdrawn,
		&v.Frozen,
		&v.CreatedAt,
		&v.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrVaultNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan vault")
	}
	v.Owner = common.HexToAddress(owner)
	v.Admin = common.HexToAddress(admin)
	return &v, nil
}

func scanDelegate(row rowScanner) (*Delegate, error) {
	var d Delegate
	var owner, delegate string
	var perms uint64
	if err := row.Scan(
		&owner,
		&delegate,
		&perms,
		&d.MaxNotional,
		&d.ConsumedNotional,
		&d.ExpiryHeight,
		&d.Revoked,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrDelegateNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan delegate")
	}
	d.Owner = common.HexToAddress(owner)
	d.Address = common.HexToAddress(delegate)
	d.Permissions = Permissions(perms)
	return &d, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

var _ Store = (*MySQLStore)(nil)
