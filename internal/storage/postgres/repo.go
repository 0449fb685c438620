package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kobisetl/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Idempotent DDL (CREATE TABLE IF NOT EXISTS)
  - Multi-row upserts via INSERT ... ON CONFLICT (...) DO UPDATE
  - Get-or-create for lookup tables via INSERT ... ON CONFLICT DO NOTHING RETURNING

The pool is capped at a single connection: the pipeline is one sequential
writer and every statement commits on its own.
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// upsertChunk keeps statements well below Postgres's 65535 parameter limit.
const upsertChunk = 1000

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates every table that does not exist yet. This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return storage.Wrap("create table", t.Name, err)
		}
		if _, err := r.pool.Exec(ctx, ddl); err != nil {
			return storage.Wrap("create table", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) UpsertMovies(ctx context.Context, movies []storage.MovieFact) (int64, error) {
	return r.upsert(ctx, "daily_box_office", storage.MovieColumns, storage.MovieKeyColumns, storage.MovieRows(movies), false)
}

func (r *Repo) UpsertBoxOffice(ctx context.Context, facts []storage.BoxOfficeFact) (int64, error) {
	return r.upsert(ctx, "daily_box_office_data", storage.BoxOfficeColumns, storage.BoxOfficeKeyColumns, storage.BoxOfficeRows(facts), false)
}

func (r *Repo) UpsertMovieDetails(ctx context.Context, details []storage.MovieDetailFact) (int64, error) {
	return r.upsert(ctx, "movie_details", storage.MovieDetailColumns, storage.MovieDetailKeyColumns, storage.MovieDetailRows(details), true)
}

// upsert dedupes rows by key first: Postgres refuses an ON CONFLICT DO UPDATE
// that would touch the same row twice in one statement.
func (r *Repo) upsert(ctx context.Context, table string, columns, keys []string, rows [][]any, fillNull bool) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err := storage.DedupeRowsByKey(rows, columns, keys)
	if err != nil {
		return 0, storage.Wrap("upsert", table, err)
	}

	var total int64
	for start := 0; start < len(rows); start += upsertChunk {
		end := min(start+upsertChunk, len(rows))
		sql, args := buildUpsertSQL(table, columns, keys, rows[start:end], fillNull)
		cmd, err := r.pool.Exec(ctx, sql, args...)
		if err != nil {
			return total, storage.Wrap("upsert", table, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

func (r *Repo) LookupEntity(ctx context.Context, class storage.EntityClass, name string) (int64, bool, error) {
	if err := storage.ValidateClass("lookup entity", class); err != nil {
		return 0, false, err
	}
	q := fmt.Sprintf(`SELECT "id" FROM %s WHERE "name" = $1`, pgIdent(class.Table()))

	var id int64
	err := r.pool.QueryRow(ctx, q, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storage.Wrap("lookup entity", class.Table(), err)
	}
	return id, true, nil
}

// InsertEntity inserts name and returns its id. When another writer inserted
// the same name first, ON CONFLICT DO NOTHING yields no row and the existing
// id is selected instead.
func (r *Repo) InsertEntity(ctx context.Context, class storage.EntityClass, name string) (int64, error) {
	if err := storage.ValidateClass("insert entity", class); err != nil {
		return 0, err
	}
	q := fmt.Sprintf(
		`INSERT INTO %s ("name") VALUES ($1) ON CONFLICT ("name") DO NOTHING RETURNING "id"`,
		pgIdent(class.Table()),
	)

	var id int64
	err := r.pool.QueryRow(ctx, q, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.Wrap("insert entity", class.Table(), err)
	}

	id, ok, err := r.LookupEntity(ctx, class, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, storage.Wrap("insert entity", class.Table(), fmt.Errorf("name %q neither inserted nor found", name))
	}
	return id, nil
}

// SelectAllEntities returns name -> id for the whole lookup table.
func (r *Repo) SelectAllEntities(ctx context.Context, class storage.EntityClass) (map[string]int64, error) {
	if err := storage.ValidateClass("select entities", class); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT "name", "id" FROM %s`, pgIdent(class.Table()))

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, storage.Wrap("select entities", class.Table(), err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, storage.Wrap("select entities", class.Table(), err)
		}
		out[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("select entities", class.Table(), err)
	}
	return out, nil
}

func (r *Repo) LinkExists(ctx context.Context, class storage.EntityClass, movieCode string, entityID int64) (bool, error) {
	if err := storage.ValidateClass("link exists", class); err != nil {
		return false, err
	}
	q := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE "movie_cd" = $1 AND %s = $2)`,
		pgIdent(class.LinkTable()), pgIdent(class.LinkColumn()),
	)

	var exists bool
	if err := r.pool.QueryRow(ctx, q, movieCode, entityID).Scan(&exists); err != nil {
		return false, storage.Wrap("link exists", class.LinkTable(), err)
	}
	return exists, nil
}

func (r *Repo) InsertLink(ctx context.Context, class storage.EntityClass, movieCode string, entityID int64) (bool, error) {
	if err := storage.ValidateClass("insert link", class); err != nil {
		return false, err
	}
	cmd, err := r.pool.Exec(ctx, buildInsertLinkSQL(class), movieCode, entityID)
	if err != nil {
		return false, storage.Wrap("insert link", class.LinkTable(), err)
	}
	return cmd.RowsAffected() > 0, nil
}

func buildInsertLinkSQL(class storage.EntityClass) string {
	return fmt.Sprintf(
		`INSERT INTO %s ("movie_cd", %s) VALUES ($1, $2) ON CONFLICT ("movie_cd", %s) DO NOTHING`,
		pgIdent(class.LinkTable()), pgIdent(class.LinkColumn()), pgIdent(class.LinkColumn()),
	)
}

// buildUpsertSQL constructs a single multi-row upsert and its args.
//
// It is pure and deterministic, so placeholder numbering and the conflict
// clause can be unit tested without a database.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - keys must name a UNIQUE or PRIMARY KEY constraint of table.
func buildUpsertSQL(table string, columns, keys []string, rows [][]any, fillNull bool) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	for i, c := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") DO UPDATE SET ")

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	first := true
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false

		col := pgIdent(c)
		if fillNull {
			// Keep the stored value when the incoming one is NULL.
			b.WriteString(fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, %s.%s)", col, col, pgIdent(table), col))
		} else {
			b.WriteString(fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	b.WriteString(";")
	return b.String(), args
}

// buildCreateSQL generates CREATE TABLE IF NOT EXISTS for one table.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		parts = append(parts, fmt.Sprintf("%s bigserial PRIMARY KEY", pgIdent(t.PrimaryKey.Name)))
	}

	for _, c := range t.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		col := pgIdent(c.Name) + " " + typ
		if c.PrimaryKey {
			col += " PRIMARY KEY"
		}
		if !c.Nullable {
			col += " NOT NULL"
		}
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		cols := make([]string, 0, len(con.Columns))
		for _, c := range con.Columns {
			cols = append(cols, pgIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", pgIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

func pgType(logical string) (string, error) {
	switch logical {
	case storage.TypeString, storage.TypeText:
		return "text", nil
	case storage.TypeInt:
		return "bigint", nil
	case storage.TypeDate:
		return "varchar(10)", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", logical)
	}
}

// pgIdent quotes an identifier, escaping embedded double quotes.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
