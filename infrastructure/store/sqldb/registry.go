package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const DefaultBatchLimit = 500

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSqlite   Dialect = "sqlite3"
)

type Config struct {
	DSN        string
	PoolMin    int
	PoolMax    int
	DisableTLS bool
}

type Registry struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to postgres for postgres:// urls and to sqlite for everything else (file paths, file: urls, :memory:).
func Open(cfg Config) (*Registry, error) {
	dialect, dsn := parseDSN(cfg.DSN, cfg.DisableTLS)
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", dialect)
	}

	if dialect == DialectSqlite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.PoolMax)
		db.SetMaxIdleConns(cfg.PoolMin)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	return NewRegistry(db, dialect), nil
}

func NewRegistry(db *sql.DB, dialect Dialect) *Registry {
	return &Registry{db: db, dialect: dialect}
}

func parseDSN(dsn string, disableTLS bool) (Dialect, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if disableTLS && !strings.Contains(dsn, "sslmode=") {
			if strings.Contains(dsn, "?") {
				dsn += "&sslmode=disable"
			} else {
				dsn += "?sslmode=disable"
			}
		}
		return DialectPostgres, dsn
	}
	return DialectSqlite, strings.TrimPrefix(dsn, "sqlite3://")
}

func (r *Registry) Dialect() Dialect {
	return r.dialect
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Migrate creates the shields table if missing and brings older tables up to date: missing columns are
// added, duplicated (pool_id, token_id) rows are collapsed onto the oldest one and the unique index is created.
func (r *Registry) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.createTableStatement()); err != nil {
		return errors.Wrap(err, "creating shields table")
	}
	if err := r.ensureColumns(ctx); err != nil {
		return errors.Wrap(err, "adding missing columns")
	}
	dedupe := `DELETE FROM shields WHERE id NOT IN (SELECT MIN(id) FROM shields GROUP BY pool_id, token_id)`
	if _, err := r.db.ExecContext(ctx, dedupe); err != nil {
		return errors.Wrap(err, "removing duplicated shields")
	}
	index := `CREATE UNIQUE INDEX IF NOT EXISTS shields_pool_token_idx ON shields (pool_id, token_id)`
	if _, err := r.db.ExecContext(ctx, index); err != nil {
		return errors.Wrap(err, "creating unique index")
	}
	return nil
}

func (r *Registry) createTableStatement() string {
	if r.dialect == DialectPostgres {
		return `CREATE TABLE IF NOT EXISTS shields (
			id BIGSERIAL PRIMARY KEY,
			pool_id TEXT NOT NULL,
			token_id NUMERIC(78,0) NOT NULL,
			tick_low INTEGER NOT NULL,
			tick_upper INTEGER NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			remediated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	}
	return `CREATE TABLE IF NOT EXISTS shields (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pool_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		tick_low INTEGER NOT NULL,
		tick_upper INTEGER NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		remediated_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
}

func (r *Registry) ensureColumns(ctx context.Context) error {
	query := `SELECT name FROM pragma_table_info('shields')`
	if r.dialect == DialectPostgres {
		query = `SELECT column_name FROM information_schema.columns WHERE table_name = 'shields'`
	}
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "reading table columns")
	}
	columns := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return errors.Wrap(err, "scanning column name")
		}
		columns[name] = struct{}{}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	timestampType := "TIMESTAMP"
	if r.dialect == DialectPostgres {
		timestampType = "TIMESTAMPTZ"
	}
	required := []struct{ name, definition string }{
		{"owner", "TEXT NOT NULL DEFAULT ''"},
		{"remediated_at", timestampType},
	}
	for _, col := range required {
		if _, ok := columns[col.name]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE shields ADD COLUMN %s %s", col.name, col.definition)
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "adding column [%s]", col.name)
		}
	}
	return nil
}

// Upsert stores the position. Registering the same (pool, token) again updates the range and owner and makes
// the position active again.
func (r *Registry) Upsert(ctx context.Context, p entities.ShieldPosition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO shields (pool_id, token_id, tick_low, tick_upper, owner)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool_id, token_id) DO UPDATE SET
			tick_low = excluded.tick_low,
			tick_upper = excluded.tick_upper,
			owner = excluded.owner,
			remediated_at = NULL`
	_, err := r.db.ExecContext(ctx, query, poolKey(p.PoolID), p.TokenID.String(), p.TickLower, p.TickUpper, ownerKey(p.Owner))
	if err != nil {
		return errors.Wrapf(err, "upserting shield [%s/%s]", p.PoolID.Hex(), p.TokenID)
	}
	return nil
}

// FindViolating returns the token ids of active positions in the pool whose range does not contain the tick.
func (r *Registry) FindViolating(ctx context.Context, poolID common.Hash, currentTick int32, limit int) ([]*big.Int, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	query := `SELECT token_id FROM shields
		WHERE pool_id = $1 AND remediated_at IS NULL AND (tick_low > $2 OR tick_upper < $2)
		ORDER BY id LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, poolKey(poolID), currentTick, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "querying violating shields for pool [%s]", poolID.Hex())
	}
	defer rows.Close()

	tokenIDs := make([]*big.Int, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "scanning token id")
		}
		tokenID, err := parseTokenID(raw)
		if err != nil {
			return nil, err
		}
		tokenIDs = append(tokenIDs, tokenID)
	}
	return tokenIDs, rows.Err()
}

// MarkRemediated deactivates the positions so that later triggers do not pick them up again.
func (r *Registry) MarkRemediated(ctx context.Context, poolID common.Hash, tokenIDs []*big.Int) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	args := []any{poolKey(poolID)}
	placeholders := make([]string, 0, len(tokenIDs))
	for i, tokenID := range tokenIDs {
		args = append(args, tokenID.String())
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
	}
	query := fmt.Sprintf(`UPDATE shields SET remediated_at = CURRENT_TIMESTAMP
		WHERE pool_id = $1 AND remediated_at IS NULL AND token_id IN (%s)`, strings.Join(placeholders, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "marking [%d] shields remediated", len(tokenIDs))
	}
	return nil
}

// List returns the positions of a pool (or of all pools for the zero hash), oldest first.
func (r *Registry) List(ctx context.Context, poolID common.Hash, limit int) ([]entities.ShieldPosition, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	query := `SELECT id, pool_id, token_id, tick_low, tick_upper, owner, remediated_at, created_at FROM shields`
	args := []any{}
	if poolID != (common.Hash{}) {
		query += ` WHERE pool_id = $1 ORDER BY id LIMIT $2`
		args = append(args, poolKey(poolID), limit)
	} else {
		query += ` ORDER BY id LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing shields")
	}
	defer rows.Close()

	positions := make([]entities.ShieldPosition, 0)
	for rows.Next() {
		var (
			p            entities.ShieldPosition
			pool, token  string
			owner        string
			remediatedAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &pool, &token, &p.TickLower, &p.TickUpper, &owner, &remediatedAt, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning shield")
		}
		p.PoolID = common.HexToHash(pool)
		p.Owner = common.HexToAddress(owner)
		if p.TokenID, err = parseTokenID(token); err != nil {
			return nil, err
		}
		if remediatedAt.Valid {
			p.RemediatedAt = &remediatedAt.Time
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (r *Registry) Count(ctx context.Context) (active int64, total int64, err error) {
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(*) - COUNT(remediated_at) FROM shields`)
	if err := row.Scan(&total, &active); err != nil {
		return 0, 0, errors.Wrap(err, "counting shields")
	}
	return active, total, nil
}

func poolKey(poolID common.Hash) string {
	return strings.ToLower(poolID.Hex())
}

func ownerKey(owner common.Address) string {
	if owner == (common.Address{}) {
		return ""
	}
	return strings.ToLower(owner.Hex())
}

func parseTokenID(raw string) (*big.Int, error) {
	// postgres may render NUMERIC values with a trailing fraction
	raw = strings.TrimSuffix(raw, ".0")
	tokenID, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.Errorf("invalid token id [%s]", raw)
	}
	return tokenID, nil
}
