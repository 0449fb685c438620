package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"kobisetl/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// This implementation supports:
//   - Upserts via MERGE ... WITH (HOLDLOCK), one statement per chunk.
//   - Fill-if-null detail upserts via COALESCE(src.col, tgt.col).
//   - Get-or-create for lookups via INSERT ... OUTPUT ... WHERE NOT EXISTS.
//
// Name columns use a BIN2 collation so lookups are case-sensitive. SQL Server
// still ignores trailing spaces in '=' comparisons, so "Drama" and "Drama "
// resolve to the same lookup row on this backend.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// SQL Server has a hard limit of 2100 parameters. We stay comfortably below that.
const maxParams = 2000

const nameCollation = "Latin1_General_100_BIN2"

// New constructs a Repo using database/sql and the "sqlserver" driver
// registered by github.com/microsoft/go-mssqldb.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(1)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates missing tables. Each CREATE is wrapped in an OBJECT_ID
// guard because SQL Server has no CREATE TABLE IF NOT EXISTS.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return storage.Wrap("create table", t.Name, err)
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return storage.Wrap("create table", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) UpsertMovies(ctx context.Context, movies []storage.MovieFact) (int64, error) {
	return r.merge(ctx, "daily_box_office", storage.MovieColumns, storage.MovieKeyColumns, storage.MovieRows(movies), false)
}

func (r *Repo) UpsertBoxOffice(ctx context.Context, facts []storage.BoxOfficeFact) (int64, error) {
	return r.merge(ctx, "daily_box_office_data", storage.BoxOfficeColumns, storage.BoxOfficeKeyColumns, storage.BoxOfficeRows(facts), false)
}

func (r *Repo) UpsertMovieDetails(ctx context.Context, details []storage.MovieDetailFact) (int64, error) {
	return r.merge(ctx, "movie_details", storage.MovieDetailColumns, storage.MovieDetailKeyColumns, storage.MovieDetailRows(details), true)
}

// merge dedupes by key before building the statement: MERGE fails when two
// source rows match the same target row.
func (r *Repo) merge(ctx context.Context, table string, columns, keys []string, rows [][]any, fillNull bool) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err := storage.DedupeRowsByKey(rows, columns, keys)
	if err != nil {
		return 0, storage.Wrap("upsert", table, err)
	}

	chunk := max(1, maxParams/len(columns))

	var total int64
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		q, args := buildMergeSQL(table, columns, keys, rows[start:end], fillNull)
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, storage.Wrap("upsert", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *Repo) LookupEntity(ctx context.Context, class storage.EntityClass, name string) (int64, bool, error) {
	if err := storage.ValidateClass("lookup entity", class); err != nil {
		return 0, false, err
	}
	var id int64
	err := r.db.QueryRowContext(ctx, buildLookupEntitySQL(class), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storage.Wrap("lookup entity", class.Table(), err)
	}
	return id, true, nil
}

// InsertEntity inserts name unless it exists and returns the id. UPDLOCK +
// HOLDLOCK on the existence probe serializes concurrent writers of one name.
func (r *Repo) InsertEntity(ctx context.Context, class storage.EntityClass, name string) (int64, error) {
	if err := storage.ValidateClass("insert entity", class); err != nil {
		return 0, err
	}

	var id int64
	err := r.db.QueryRowContext(ctx, buildInsertEntitySQL(class), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
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

// SelectAllEntities returns name -> id for the entire lookup table.
func (r *Repo) SelectAllEntities(ctx context.Context, class storage.EntityClass) (map[string]int64, error) {
	if err := storage.ValidateClass("select entities", class); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT [name], [id] FROM %s", mssqlTableIdent(class.Table()))

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storage.Wrap("select entities", class.Table(), err)
	}
	defer rows.Close()

	out := map[string]int64{}
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
		"SELECT TOP 1 1 FROM %s WHERE [movie_cd] = @p1 AND %s = @p2",
		mssqlTableIdent(class.LinkTable()), mssqlIdent(class.LinkColumn()),
	)

	var one int
	err := r.db.QueryRowContext(ctx, q, movieCode, entityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storage.Wrap("link exists", class.LinkTable(), err)
	}
	return true, nil
}

func (r *Repo) InsertLink(ctx context.Context, class storage.EntityClass, movieCode string, entityID int64) (bool, error) {
	if err := storage.ValidateClass("insert link", class); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, buildInsertLinkSQL(class), movieCode, entityID)
	if err != nil {
		return false, storage.Wrap("insert link", class.LinkTable(), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// buildMergeSQL returns a MERGE statement over a VALUES source and its args.
//
// This is split out purely for testability and clarity.
func buildMergeSQL(table string, columns, keys []string, rows [][]any, fillNull bool) (string, []any) {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")

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
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS src (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") ON ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(fmt.Sprintf("tgt.%s = src.%s", mssqlIdent(k), mssqlIdent(k)))
	}

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
	first := true
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		id := mssqlIdent(c)
		if fillNull {
			b.WriteString(fmt.Sprintf("tgt.%s = COALESCE(src.%s, tgt.%s)", id, id, id))
		} else {
			b.WriteString(fmt.Sprintf("tgt.%s = src.%s", id, id))
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("src." + mssqlIdent(c))
	}
	b.WriteString(");")

	return b.String(), args
}

// buildLookupEntitySQL matches on [name] under nameCollation. SQL Server pads
// the shorter operand of '=' with spaces, so a name and the same name with
// trailing spaces compare equal here; the UNIQUE constraint on [name] uses the
// same comparison, so they share one row.
func buildLookupEntitySQL(class storage.EntityClass) string {
	return fmt.Sprintf("SELECT [id] FROM %s WHERE [name] = @p1", mssqlTableIdent(class.Table()))
}

func buildInsertEntitySQL(class storage.EntityClass) string {
	t := mssqlTableIdent(class.Table())
	return fmt.Sprintf(
		"INSERT INTO %s ([name]) OUTPUT INSERTED.[id] SELECT @p1 WHERE NOT EXISTS "+
			"(SELECT 1 FROM %s WITH (UPDLOCK, HOLDLOCK) WHERE [name] = @p1)",
		t, t,
	)
}

func buildInsertLinkSQL(class storage.EntityClass) string {
	t := mssqlTableIdent(class.LinkTable())
	col := mssqlIdent(class.LinkColumn())
	return fmt.Sprintf(
		"INSERT INTO %s ([movie_cd], %s) SELECT @p1, @p2 WHERE NOT EXISTS "+
			"(SELECT 1 FROM %s WITH (UPDLOCK, HOLDLOCK) WHERE [movie_cd] = @p1 AND %s = @p2)",
		t, col, t, col,
	)
}

// buildCreateSQL returns the guarded CREATE TABLE statement for one table.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var defs []string
	if t.PrimaryKey != nil {
		defs = append(defs, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(t.PrimaryKey.Name)))
	}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("%s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", joinIdentList(con.Columns)))
	}

	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
//
// It respects nullability and attaches a raw REFERENCES clause if provided.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}

	var typ string
	switch c.Type {
	case storage.TypeString:
		typ = "NVARCHAR(255) COLLATE " + nameCollation
	case storage.TypeText:
		typ = "NVARCHAR(MAX)"
	case storage.TypeInt:
		typ = "BIGINT"
	case storage.TypeDate:
		typ = "VARCHAR(10)"
	default:
		return "", fmt.Errorf("mssql: column %s unsupported type %q", c.Name, c.Type)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}

	return b.String(), nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.genres" -> [dbo].[genres]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, mssqlIdent(c))
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Close() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
