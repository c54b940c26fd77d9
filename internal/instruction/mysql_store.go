package instruction

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "vaultd/internal/errors"
	"vaultd/internal/vault"
)

// MySQLStore records instruction state in MySQL.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens the connection pool and bootstraps the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN is required")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open MySQL connection")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS instruction_states (
        id VARCHAR(64) PRIMARY KEY,
        kind TINYINT UNSIGNED NOT NULL,
        signer CHAR(42) NOT NULL,
        payload VARBINARY(256) NOT NULL,
        status VARCHAR(16) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        receipt TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_instruction_status (status),
        INDEX idx_instruction_signer (signer),
        INDEX idx_instruction_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init instruction_states table")
	}
	return nil
}

// Create implements Store.
func (s *MySQLStore) Create(ctx context.Context, in *Instruction) error {
	if in == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "instruction is required")
	}
	if strings.TrimSpace(in.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "instruction ID is required")
	}

	now := time.Now().Unix()
	in.CreatedAt = now
	in.UpdatedAt = now

	const stmt = `INSERT INTO instruction_states
        (id, kind, signer, payload, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		in.ID,
		uint8(in.Kind),
		in.Signer.Hex(),
		in.Payload,
		in.Status,
		in.Attempts,
		in.MaxRetries,
		in.CreatedAt,
		in.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert instruction")
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Instruction, error) {
	const stmt = `SELECT id, kind, signer, payload, status, attempts, max_retries, last_error, error_code, receipt, created_at, updated_at
        FROM instruction_states WHERE id = ?`

	return scanInstruction(s.db.QueryRowContext(ctx, stmt, id))
}

// Claim implements Store.
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Instruction, error) {
	const updateStmt = `UPDATE instruction_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusApplying,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim instruction")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read affected rows")
	}
	if affected == 0 {
		in, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch in.Status {
		case StatusApplied, StatusRejected:
			return in, ErrCompleted
		case StatusApplying:
			return in, ErrConflict
		default:
			if in.Attempts >= in.MaxRetries {
				return in, ErrExhausted
			}
			return in, ErrConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkApplied implements Store.
func (s *MySQLStore) MarkApplied(ctx context.Context, id string, receipt vault.Receipt) error {
	receiptValue, err := json.Marshal(receipt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode receipt")
	}

	const stmt = `UPDATE instruction_states SET status = ?, receipt = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusApplied, string(receiptValue), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark instruction applied")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRejected implements Store.
func (s *MySQLStore) MarkRejected(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE instruction_states SET status = ?, last_error = ?, error_code = ?, attempts = max_retries, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusRejected, lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark instruction rejected")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed implements Store.
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE instruction_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	if terminal {
		stmt = `UPDATE instruction_states SET status = ?, last_error = ?, error_code = ?, updated_at = ?, attempts = max_retries WHERE id = ?`
	}

	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark instruction failed")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Instruction, error) {
	opts.applyDefaults()

	query := `SELECT id, kind, signer, payload, status, attempts, max_retries, last_error, error_code, receipt, created_at, updated_at
        FROM instruction_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query instruction list")
	}
	defer rows.Close()

	instructions := make([]*Instruction, 0, opts.Limit)
	for rows.Next() {
		in, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, in)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate instructions")
	}
	return instructions, nil
}

// Stats implements Store.
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS applying,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS applied,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS rejected,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM instruction_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusApplying), string(StatusApplied), string(StatusRejected), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats Stats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Applying,
		&stats.Applied,
		&stats.Rejected,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query instruction stats")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstruction(row rowScanner) (*Instruction, error) {
	var in Instruction
	var kind uint8
	var signer string
	var lastError sql.NullString
	var receipt sql.NullString

	if err := row.Scan(
		&in.ID,
		&kind,
		&signer,
		&in.Payload,
		&in.Status,
		&in.Attempts,
		&in.MaxRetries,
		&lastError,
		&in.ErrorCode,
		&receipt,
		&in.CreatedAt,
		&in.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan instruction")
	}

	in.Kind = vault.Kind(kind)
	in.Signer = common.HexToAddress(signer)
	in.LastError = lastError.String
	if receipt.Valid && strings.TrimSpace(receipt.String) != "" {
		var decoded vault.Receipt
		if err := json.Unmarshal([]byte(receipt.String), &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode receipt")
		}
		in.Receipt = &decoded
	}
	return &in, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, 0, len(opts.Kinds))
		for range opts.Kinds {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
		for _, kind := range opts.Kinds {
			args = append(args, uint8(kind))
		}
	}
	if opts.Signer != nil {
		conditions = append(conditions, "signer = ?")
		args = append(args, opts.Signer.Hex())
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
