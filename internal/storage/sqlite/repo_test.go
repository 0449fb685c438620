package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"kobisetl/internal/storage"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()

	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)

	r := repo.(*Repo)
	if err := r.EnsureTables(context.Background(), storage.Schema()); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	return r
}

func TestEnsureTables_Idempotent(t *testing.T) {
	t.Parallel()

	r := openTestRepo(t)
	if err := r.EnsureTables(context.Background(), storage.Schema()); err != nil {
		t.Fatalf("second EnsureTables: %v", err)
	}
}

func TestBuildCreateTableSQL_LookupTable(t *testing.T) {
	t.Parallel()

	var spec storage.TableSpec
	for _, s := range storage.Schema() {
		if s.Name == "genres" {
			spec = s
		}
	}

	ddl, err := buildCreateTableSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "genres"`,
		`"id" INTEGER PRIMARY KEY AUTOINCREMENT`,
		`"name" TEXT NOT NULL`,
		`UNIQUE ("name")`,
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q: %s", want, ddl)
		}
	}
}

func TestBuildUpsertSQL_FillNullUsesCoalesce(t *testing.T) {
	t.Parallel()

	q, args := buildUpsertSQL("movie_details", []string{"movie_cd", "genre_list"}, []string{"movie_cd"},
		[][]any{{"M1", nil}, {"M2", `["Drama"]`}}, true)

	if !strings.Contains(q, `ON CONFLICT ("movie_cd") DO UPDATE SET "genre_list" = COALESCE(excluded."genre_list", "genre_list")`) {
		t.Fatalf("unexpected sql: %s", q)
	}
	if strings.Count(q, "(?,?)") != 2 {
		t.Fatalf("expected 2 value tuples: %s", q)
	}
	if len(args) != 4 {
		t.Fatalf("args=%d want 4", len(args))
	}
}

func TestUpsertMovies_OverwritesNameAndOpenDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t)

	if _, err := r.UpsertMovies(ctx, []storage.MovieFact{{MovieCode: "M1", Name: "Draft", OpenDate: ""}}); err != nil {
		t.Fatalf("UpsertMovies: %v", err)
	}
	if _, err := r.UpsertMovies(ctx, []storage.MovieFact{{MovieCode: "M1", Name: "Final", OpenDate: "2024-11-20"}}); err != nil {
		t.Fatalf("UpsertMovies: %v", err)
	}

	var name string
	var open sql.NullString
	if err := r.db.QueryRowContext(ctx, `SELECT movie_nm, open_dt FROM daily_box_office WHERE movie_cd = 'M1'`).Scan(&name, &open); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name != "Final" || open.String != "2024-11-20" {
		t.Fatalf("got name=%q open=%v", name, open)
	}
}

func TestUpsertBoxOffice_OverwritesCountersPerDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t)

	if _, err := r.UpsertMovies(ctx, []storage.MovieFact{{MovieCode: "M1", Name: "Test"}}); err != nil {
		t.Fatalf("UpsertMovies: %v", err)
	}
	facts := []storage.BoxOfficeFact{
		{MovieCode: "M1", TargetDate: "20241125", Rank: 1, AudienceCount: 50},
		{MovieCode: "M1", TargetDate: "20241126", Rank: 2, AudienceCount: 40},
	}
	if _, err := r.UpsertBoxOffice(ctx, facts); err != nil {
		t.Fatalf("UpsertBoxOffice: %v", err)
	}
	facts[0].AudienceCount = 75
	if _, err := r.UpsertBoxOffice(ctx, facts[:1]); err != nil {
		t.Fatalf("UpsertBoxOffice re-ingest: %v", err)
	}

	var n, audi int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_box_office_data`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT audi_cnt FROM daily_box_office_data WHERE target_dt = '20241125'`).Scan(&audi); err != nil {
		t.Fatalf("select: %v", err)
	}
	if n != 2 || audi != 75 {
		t.Fatalf("rows=%d audi=%d, want 2 and 75", n, audi)
	}
}

func TestUpsertMovieDetails_FillIfNullKeepsStoredValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t)

	if _, err := r.UpsertMovies(ctx, []storage.MovieFact{{MovieCode: "M1", Name: "Test"}}); err != nil {
		t.Fatalf("UpsertMovies: %v", err)
	}
	full := storage.MovieDetailFact{
		MovieCode:   "M1",
		ShowTime:    "120",
		Genres:      []string{"Drama"},
		WatchGrades: []string{"12세이상관람가"},
	}
	if _, err := r.UpsertMovieDetails(ctx, []storage.MovieDetailFact{full}); err != nil {
		t.Fatalf("UpsertMovieDetails: %v", err)
	}

	sparse := storage.MovieDetailFact{MovieCode: "M1", Nations: []string{"Korea"}}
	if _, err := r.UpsertMovieDetails(ctx, []storage.MovieDetailFact{sparse}); err != nil {
		t.Fatalf("UpsertMovieDetails sparse: %v", err)
	}

	var showTm sql.NullString
	var genres, nations, rating any
	err := r.db.QueryRowContext(ctx,
		`SELECT show_tm, genre_list, nation_list, rating FROM movie_details WHERE movie_cd = 'M1'`,
	).Scan(&showTm, &genres, &nations, &rating)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if showTm.String != "120" {
		t.Fatalf("show_tm=%v, want preserved 120", showTm)
	}
	g := decodeJSONList(t, genres)
	n := decodeJSONList(t, nations)
	rt := decodeJSONList(t, rating)
	if len(g) != 1 || g[0] != "Drama" {
		t.Fatalf("genre_list=%v, want preserved [Drama]", g)
	}
	if len(n) != 1 || n[0] != "Korea" {
		t.Fatalf("nation_list=%v, want filled [Korea]", n)
	}
	if len(rt) != 1 {
		t.Fatalf("rating=%v, want preserved", rt)
	}
}

func TestEntities_ExactNameMatching(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t)

	id1, err := r.InsertEntity(ctx, storage.Genre, "Drama")
	if err != nil {
		t.Fatalf("InsertEntity: %v", err)
	}
	id2, err := r.InsertEntity(ctx, storage.Genre, "Drama ")
	if err != nil {
		t.Fatalf("InsertEntity trailing space: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("trailing-space spelling must be a distinct row, both got id=%d", id1)
	}

	again, err := r.InsertEntity(ctx, storage.Genre, "Drama")
	if err != nil {
		t.Fatalf("InsertEntity again: %v", err)
	}
	if again != id1 {
		t.Fatalf("re-insert returned id=%d, want existing %d", again, id1)
	}

	got, ok, err := r.LookupEntity(ctx, storage.Genre, "drama")
	if err != nil {
		t.Fatalf("LookupEntity: %v", err)
	}
	if ok {
		t.Fatalf("lookup must be case-sensitive, got id=%d", got)
	}

	all, err := r.SelectAllEntities(ctx, storage.Genre)
	if err != nil {
		t.Fatalf("SelectAllEntities: %v", err)
	}
	if len(all) != 2 || all["Drama"] != id1 || all["Drama "] != id2 {
		t.Fatalf("SelectAllEntities=%v", all)
	}
}

func TestInsertLink_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t)

	if _, err := r.UpsertMovies(ctx, []storage.MovieFact{{MovieCode: "M1", Name: "Test"}}); err != nil {
		t.Fatalf("UpsertMovies: %v", err)
	}
	id, err := r.InsertEntity(ctx, storage.Nation, "Korea")
	if err != nil {
		t.Fatalf("InsertEntity: %v", err)
	}

	created, err := r.InsertLink(ctx, storage.Nation, "M1", id)
	if err != nil || !created {
		t.Fatalf("first InsertLink created=%v err=%v", created, err)
	}
	created, err = r.InsertLink(ctx, storage.Nation, "M1", id)
	if err != nil || created {
		t.Fatalf("second InsertLink created=%v err=%v", created, err)
	}

	exists, err := r.LinkExists(ctx, storage.Nation, "M1", id)
	if err != nil || !exists {
		t.Fatalf("LinkExists=%v err=%v", exists, err)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM movie_and_nation`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("junction rows=%d, want 1", n)
	}
}

func TestUnknownClass_ReturnsStoreError(t *testing.T) {
	t.Parallel()
	r := openTestRepo(t)

	_, _, err := r.LookupEntity(context.Background(), storage.EntityClass("studio"), "x")
	var se *storage.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("err=%v, want *storage.StoreError", err)
	}
}

func decodeJSONList(t *testing.T, v any) []string {
	t.Helper()
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		t.Fatalf("list column type %T", v)
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("list column %q: %v", s, err)
	}
	return out
}
