// internal/storage/postgres.go
//
// PostgresStore 以 PostgreSQL 保存金庫紀錄。
// 插入靠主鍵 + ON CONFLICT DO NOTHING 保證只成功一次；
// Update 在單一交易中以 SELECT ... FOR UPDATE 鎖住該列，fn 成功才 COMMIT。
// uint64 累計欄位以 NUMERIC(20,0) 儲存，以文字形式進出資料庫。
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"vault/internal/vault"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements vault.Store on top of PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ vault.Store = (*PostgresStore)(nil)

// OpenPostgres 以 pgx 驅動連線、確認可用並套用 migrations。
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, logger: logger.Named("postgres_store")}, nil
}

func runMigrations(db *sql.DB, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("postgres schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("postgres migrations applied")
	return nil
}

// Close 關閉連線池。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Insert implements vault.Store.
func (s *PostgresStore) Insert(ctx context.Context, addr common.Address, rec vault.Record) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vaults (address, owner, total_deposited, total_withdrawn)
		 VALUES ($1, $2, $3::numeric, $4::numeric)
		 ON CONFLICT (address) DO NOTHING`,
		addr.Bytes(), rec.Owner.Bytes(),
		strconv.FormatUint(rec.TotalDeposited, 10), strconv.FormatUint(rec.TotalWithdrawn, 10),
	)
	if err != nil {
		return fmt.Errorf("insert vault %s: %w", addr.Hex(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert vault %s: %w", addr.Hex(), err)
	}
	if n == 0 {
		return vault.ErrAlreadyExists
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (vault.Record, error) {
	var (
		rec                  vault.Record
		owner                []byte
		deposited, withdrawn string
	)
	if err := row.Scan(&owner, &deposited, &withdrawn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, vault.ErrNotFound
		}
		return rec, err
	}
	d, err := strconv.ParseUint(deposited, 10, 64)
	if err != nil {
		return rec, fmt.Errorf("parse total_deposited: %w", err)
	}
	w, err := strconv.ParseUint(withdrawn, 10, 64)
	if err != nil {
		return rec, fmt.Errorf("parse total_withdrawn: %w", err)
	}
	rec.Owner = common.BytesToAddress(owner)
	rec.TotalDeposited = d
	rec.TotalWithdrawn = w
	return rec, nil
}

// Get implements vault.Store.
func (s *PostgresStore) Get(ctx context.Context, addr common.Address) (vault.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner, total_deposited::text, total_withdrawn::text FROM vaults WHERE address = $1`,
		addr.Bytes())
	return scanRecord(row)
}

// Update implements vault.Store.
func (s *PostgresStore) Update(ctx context.Context, addr common.Address, fn func(*vault.Record) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.String("address", addr.Hex()), zap.Error(err))
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT owner, total_deposited::text, total_withdrawn::text FROM vaults WHERE address = $1 FOR UPDATE`,
		addr.Bytes())
	rec, err := scanRecord(row)
	if err != nil {
		return err
	}
	if err := fn(&rec); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE vaults SET total_deposited = $2::numeric, total_withdrawn = $3::numeric, updated_at = now()
		 WHERE address = $1`,
		addr.Bytes(), strconv.FormatUint(rec.TotalDeposited, 10), strconv.FormatUint(rec.TotalWithdrawn, 10),
	); err != nil {
		return fmt.Errorf("update vault %s: %w", addr.Hex(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vault %s: %w", addr.Hex(), err)
	}
	return nil
}

// List implements vault.Store.
func (s *PostgresStore) List(ctx context.Context) (map[common.Address]vault.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, owner, total_deposited::text, total_withdrawn::text FROM vaults`)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]vault.Record)
	for rows.Next() {
		var addr []byte
		rec, err := scanRecord(prefixScanner{rows: rows, first: &addr})
		if err != nil {
			return nil, err
		}
		out[common.BytesToAddress(addr)] = rec
	}
	return out, rows.Err()
}

// prefixScanner 讓 scanRecord 也能處理前面多一個 address 欄位的列。
type prefixScanner struct {
	rows  *sql.Rows
	first *[]byte
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.first}, dest...)...)
}
