package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"kobisetl/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - The pool is pinned to one connection. That keeps ":memory:" databases
//     alive for the life of the handle and matches the single-writer model.
//   - Upserts use ON CONFLICT (...) DO UPDATE; junction inserts use
//     INSERT OR IGNORE, which relies on the UNIQUE constraints from EnsureTables.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// upsertChunk bounds rows per statement, well under SQLite's variable limit.
const upsertChunk = 500

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates every table with CREATE TABLE IF NOT EXISTS.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
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
	return r.upsert(ctx, "daily_box_office", storage.MovieColumns, storage.MovieKeyColumns, storage.MovieRows(movies), false)
}

func (r *Repo) UpsertBoxOffice(ctx context.Context, facts []storage.BoxOfficeFact) (int64, error) {
	return r.upsert(ctx, "daily_box_office_data", storage.BoxOfficeColumns, storage.BoxOfficeKeyColumns, storage.BoxOfficeRows(facts), false)
}

func (r *Repo) UpsertMovieDetails(ctx context.Context, details []storage.MovieDetailFact) (int64, error) {
	return r.upsert(ctx, "movie_details", storage.MovieDetailColumns, storage.MovieDetailKeyColumns, storage.MovieDetailRows(details), true)
}

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
		q, args := buildUpsertSQL(table, columns, keys, rows[start:end], fillNull)
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
	q := fmt.Sprintf(`SELECT "id" FROM %s WHERE "name" = ?`, sqlIdent(class.Table()))

	var id int64
	err := r.db.QueryRowContext(ctx, q, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storage.Wrap("lookup entity", class.Table(), err)
	}
	return id, true, nil
}

// InsertEntity inserts name and returns its id. A concurrent insert of the
// same name resolves to the existing row instead of failing.
func (r *Repo) InsertEntity(ctx context.Context, class storage.EntityClass, name string) (int64, error) {
	if err := storage.ValidateClass("insert entity", class); err != nil {
		return 0, err
	}
	q := fmt.Sprintf(
		`INSERT INTO %s ("name") VALUES (?) ON CONFLICT ("name") DO NOTHING RETURNING "id"`,
		sqlIdent(class.Table()),
	)

	var id int64
	err := r.db.QueryRowContext(ctx, q, name).Scan(&id)
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

func (r *Repo) SelectAllEntities(ctx context.Context, class storage.EntityClass) (map[string]int64, error) {
	if err := storage.ValidateClass("select entities", class); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT "name", "id" FROM %s`, sqlIdent(class.Table()))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storage.Wrap("select entities", class.Table(), err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var name string
		var id sql.NullInt64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, storage.Wrap("select entities", class.Table(), err)
		}
		if !id.Valid {
			return nil, storage.Wrap("select entities", class.Table(),
				fmt.Errorf("id is NULL for %q; primary key not auto-generated", name))
		}
		out[name] = id.Int64
	}
	return out, storage.Wrap("select entities", class.Table(), rows.Err())
}

func (r *Repo) LinkExists(ctx context.Context, class storage.EntityClass, movieCode string, entityID int64) (bool, error) {
	if err := storage.ValidateClass("link exists", class); err != nil {
		return false, err
	}
	q := fmt.Sprintf(
		`SELECT 1 FROM %s WHERE "movie_cd" = ? AND %s = ? LIMIT 1`,
		sqlIdent(class.LinkTable()), sqlIdent(class.LinkColumn()),
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
	q := fmt.Sprintf(
		`INSERT OR IGNORE INTO %s ("movie_cd", %s) VALUES (?, ?)`,
		sqlIdent(class.LinkTable()), sqlIdent(class.LinkColumn()),
	)
	res, err := r.db.ExecContext(ctx, q, movieCode, entityID)
	if err != nil {
		return false, storage.Wrap("insert link", class.LinkTable(), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqliteType(logical string) (string, error) {
	switch logical {
	case storage.TypeString, storage.TypeText, storage.TypeDate:
		return "TEXT", nil
	case storage.TypeInt:
		return "INTEGER", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", logical)
	}
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string

	// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and auto-generates values.
	if t.PrimaryKey != nil {
		parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
	}

	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if c.PrimaryKey {
			col += " PRIMARY KEY"
		}
		if !c.Nullable {
			col += " NOT NULL"
		}
		// SQLite supports REFERENCES, but enforcement depends on PRAGMA foreign_keys=ON.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(con.Columns)))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

// buildUpsertSQL builds a multi-row INSERT ... ON CONFLICT (keys) DO UPDATE.
//
// With fillNull, each non-key column becomes COALESCE(excluded.col, col) so a
// NULL in the incoming row keeps the stored value.
func buildUpsertSQL(table string, columns, keys []string, rows [][]any, fillNull bool) (string, []any) {
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(joinIdentList(keys))
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
		id := sqlIdent(c)
		if fillNull {
			b.WriteString(fmt.Sprintf("%s = COALESCE(excluded.%s, %s)", id, id, id))
		} else {
			b.WriteString(fmt.Sprintf("%s = excluded.%s", id, id))
		}
	}

	return b.String(), args
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}
