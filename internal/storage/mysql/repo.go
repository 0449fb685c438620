package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"kobisetl/internal/storage"
)

// Repo implements storage.Repository for MySQL/MariaDB (InnoDB).
//
// Differences from the Postgres backend:
//   - Upserts use ON DUPLICATE KEY UPDATE. For daily_box_office_data the
//     UNIQUE (movie_cd, target_dt) constraint is the duplicate key.
//   - Name columns use the utf8mb4_0900_bin collation (binary, NO PAD) so
//     lookups stay case- and trailing-space-sensitive.
//   - InnoDB ignores inline REFERENCES, so foreign keys are emitted as
//     table-level FOREIGN KEY clauses.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mysql", New)
}

const upsertChunk = 500

// nameCollation keeps exact-match semantics for lookup names.
const nameCollation = "utf8mb4_0900_bin"

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dc, err := driver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	dc.ParseTime = true
	dc.Loc = time.UTC

	conn, err := driver.NewConnector(dc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

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
	q := fmt.Sprintf("SELECT `id` FROM %s WHERE `name` = ?", myIdent(class.Table()))

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

// InsertEntity uses the LAST_INSERT_ID(id) idiom: on a duplicate name the
// statement updates nothing but still reports the existing id.
func (r *Repo) InsertEntity(ctx context.Context, class storage.EntityClass, name string) (int64, error) {
	if err := storage.ValidateClass("insert entity", class); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, buildInsertEntitySQL(class), name)
	if err != nil {
		return 0, storage.Wrap("insert entity", class.Table(), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storage.Wrap("insert entity", class.Table(), err)
	}
	return id, nil
}

func (r *Repo) SelectAllEntities(ctx context.Context, class storage.EntityClass) (map[string]int64, error) {
	if err := storage.ValidateClass("select entities", class); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT `name`, `id` FROM %s", myIdent(class.Table()))
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
		"SELECT 1 FROM %s WHERE `movie_cd` = ? AND %s = ? LIMIT 1",
		myIdent(class.LinkTable()), myIdent(class.LinkColumn()),
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

// InsertLink avoids INSERT IGNORE, which would also swallow foreign key
// violations. A no-op ON DUPLICATE KEY UPDATE reports 0 affected rows.
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

func buildInsertEntitySQL(class storage.EntityClass) string {
	return fmt.Sprintf(
		"INSERT INTO %s (`name`) VALUES (?) ON DUPLICATE KEY UPDATE `id` = LAST_INSERT_ID(`id`)",
		myIdent(class.Table()),
	)
}

func buildInsertLinkSQL(class storage.EntityClass) string {
	return fmt.Sprintf(
		"INSERT INTO %s (`movie_cd`, %s) VALUES (?, ?) ON DUPLICATE KEY UPDATE `movie_cd` = `movie_cd`",
		myIdent(class.LinkTable()), myIdent(class.LinkColumn()),
	)
}

// buildUpsertSQL builds INSERT ... ON DUPLICATE KEY UPDATE for a batch.
// keys are not referenced in the SQL (MySQL picks the violated unique key)
// but are excluded from the update list.
func buildUpsertSQL(table string, columns, keys []string, rows [][]any, fillNull bool) (string, []any) {
	placeholders := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(myIdent(table))
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

	b.WriteString(" ON DUPLICATE KEY UPDATE ")

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
		id := myIdent(c)
		if fillNull {
			b.WriteString(fmt.Sprintf("%s = COALESCE(VALUES(%s), %s)", id, id, id))
		} else {
			b.WriteString(fmt.Sprintf("%s = VALUES(%s)", id, id))
		}
	}

	return b.String(), args
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		parts = append(parts, fmt.Sprintf("%s BIGINT AUTO_INCREMENT PRIMARY KEY", myIdent(t.PrimaryKey.Name)))
	}

	var fks []string
	for _, c := range t.Columns {
		typ, err := myType(c.Type)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		col := myIdent(c.Name) + " " + typ
		if c.PrimaryKey {
			col += " PRIMARY KEY"
		}
		if !c.Nullable {
			col += " NOT NULL"
		}
		parts = append(parts, col)

		if c.References != "" {
			fks = append(fks, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s", myIdent(c.Name), c.References))
		}
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE KEY (%s)", joinIdentList(con.Columns)))
	}
	parts = append(parts, fks...)

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		myIdent(t.Name), strings.Join(parts, ",\n  "),
	), nil
}

func myType(logical string) (string, error) {
	switch logical {
	case storage.TypeString:
		return "VARCHAR(255) CHARACTER SET utf8mb4 COLLATE " + nameCollation, nil
	case storage.TypeText:
		return "LONGTEXT", nil
	case storage.TypeInt:
		return "BIGINT", nil
	case storage.TypeDate:
		return "VARCHAR(10)", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", logical)
	}
}

// myIdent returns a backtick-quoted identifier, escaping '`' as '``'.
func myIdent(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, myIdent(c))
	}
	return strings.Join(out, ", ")
}
