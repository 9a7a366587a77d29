package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"   // MySQL dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // SQLite dialect
	_ "github.com/go-sql-driver/mysql"                 // MySQL driver
	_ "github.com/mattn/go-sqlite3"                    // SQLite driver
	"github.com/rs/zerolog/log"
)

// DefaultTable is the checkpoint table name used when none is configured
const DefaultTable = "shardrelay_checkpoints"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// checkpointRow maps a checkpoint table row
type checkpointRow struct {
	ShardID        string `db:"shard_id"`
	ParentID       string `db:"parent_id"`
	SequenceNumber string `db:"sequence_number"`
	Drained        bool   `db:"drained"`
	UpdatedAt      int64  `db:"updated_at"` // Unix milliseconds
}

func (r checkpointRow) checkpoint() Checkpoint {
	return Checkpoint{
		ShardID:        r.ShardID,
		ParentID:       r.ParentID,
		SequenceNumber: r.SequenceNumber,
		Drained:        r.Drained,
		UpdatedAt:      time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

// SQLStore persists checkpoints in a SQLite or MySQL table
type SQLStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	driver  string
	table   string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens the database and creates the checkpoint table if needed
func NewSQLStore(ctx context.Context, driver, dsn, table string) (*SQLStore, error) {
	if driver != "sqlite3" && driver != "mysql" {
		return nil, fmt.Errorf("unsupported sql driver %q (want sqlite3 or mysql)", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("sql checkpoint store requires a dsn")
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid checkpoint table name %q", table)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:      db,
		dialect: goqu.Dialect(driver),
		driver:  driver,
		table:   table,
	}
	if err := s.createTable(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Str("table", table).Msg("Opened sql checkpoint store")
	return s, nil
}

func (s *SQLStore) createTable(ctx context.Context) error {
	var ddl string
	switch s.driver {
	case "mysql":
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			shard_id VARCHAR(255) NOT NULL PRIMARY KEY,
			parent_id VARCHAR(255) NOT NULL DEFAULT '',
			sequence_number VARCHAR(64) NOT NULL DEFAULT '',
			drained BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at BIGINT NOT NULL
		)`, s.table)
	default:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			shard_id TEXT NOT NULL PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			sequence_number TEXT NOT NULL DEFAULT '',
			drained BOOLEAN NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`, s.table)
	}

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create checkpoint table %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, shardID string) (Checkpoint, bool, error) {
	return s.load(ctx, s.db, shardID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) load(ctx context.Context, q queryer, shardID string) (Checkpoint, bool, error) {
	query, args, err := s.dialect.From(s.table).
		Select("shard_id", "parent_id", "sequence_number", "drained", "updated_at").
		Where(goqu.C("shard_id").Eq(shardID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return Checkpoint{}, false, err
	}

	var row checkpointRow
	err = q.QueryRowContext(ctx, query, args...).
		Scan(&row.ShardID, &row.ParentID, &row.SequenceNumber, &row.Drained, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint %s: %w", shardID, err)
	}
	return row.checkpoint(), true, nil
}

func (s *SQLStore) Save(ctx context.Context, cp Checkpoint) error {
	cp = stamp(cp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	prev, found, err := s.load(ctx, tx, cp.ShardID)
	if err != nil {
		return err
	}
	if err := CheckAdvance(prev, found, cp); err != nil {
		return err
	}

	record := goqu.Record{
		"shard_id":        cp.ShardID,
		"parent_id":       cp.ParentID,
		"sequence_number": cp.SequenceNumber,
		"drained":         cp.Drained,
		"updated_at":      cp.UpdatedAt.UnixMilli(),
	}
	update := goqu.Record{
		"parent_id":       cp.ParentID,
		"sequence_number": cp.SequenceNumber,
		"drained":         cp.Drained,
		"updated_at":      cp.UpdatedAt.UnixMilli(),
	}

	query, args, err := s.dialect.Insert(s.table).
		Rows(record).
		OnConflict(goqu.DoUpdate("shard_id", update)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ShardID, err)
	}
	return tx.Commit()
}

func (s *SQLStore) List(ctx context.Context) ([]Checkpoint, error) {
	query, args, err := s.dialect.From(s.table).
		Select("shard_id", "parent_id", "sequence_number", "drained", "updated_at").
		Order(goqu.C("shard_id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var row checkpointRow
		if err := rows.Scan(&row.ShardID, &row.ParentID, &row.SequenceNumber, &row.Drained, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row.checkpoint())
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
