package postgres

import (
	"strings"
	"testing"

	"kobisetl/internal/storage"
)

func TestBuildUpsertSQL_PlaceholdersAndOverwrite(t *testing.T) {
	t.Parallel()

	rows := [][]any{
		{"M1", "20241125", int64(1)},
		{"M2", "20241125", int64(2)},
	}
	sql, args := buildUpsertSQL("daily_box_office_data", []string{"movie_cd", "target_dt", "rank"},
		[]string{"movie_cd", "target_dt"}, rows, false)

	if !strings.Contains(sql, `VALUES ($1, $2, $3), ($4, $5, $6)`) {
		t.Fatalf("unexpected placeholders: %s", sql)
	}
	if !strings.Contains(sql, `ON CONFLICT ("movie_cd", "target_dt") DO UPDATE SET "rank" = EXCLUDED."rank";`) {
		t.Fatalf("unexpected conflict clause: %s", sql)
	}
	if len(args) != 6 || args[3] != "M2" {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestBuildUpsertSQL_FillNullCoalescesWithStoredValue(t *testing.T) {
	t.Parallel()

	sql, _ := buildUpsertSQL("movie_details", []string{"movie_cd", "genre_list", "rating"},
		[]string{"movie_cd"}, [][]any{{"M1", nil, nil}}, true)

	for _, want := range []string{
		`"genre_list" = COALESCE(EXCLUDED."genre_list", "movie_details"."genre_list")`,
		`"rating" = COALESCE(EXCLUDED."rating", "movie_details"."rating")`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("sql missing %q: %s", want, sql)
		}
	}
	if strings.Contains(sql, `"movie_cd" = `) {
		t.Fatalf("key column must not be updated: %s", sql)
	}
}

func TestBuildCreateSQL_LookupAndJunctionTables(t *testing.T) {
	t.Parallel()

	byName := map[string]storage.TableSpec{}
	for _, s := range storage.Schema() {
		byName[s.Name] = s
	}

	ddl, err := buildCreateSQL(byName["nations"])
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(ddl, `"id" bigserial PRIMARY KEY`) || !strings.Contains(ddl, `UNIQUE ("name")`) {
		t.Fatalf("unexpected lookup ddl: %s", ddl)
	}

	ddl, err = buildCreateSQL(byName["movie_and_nation"])
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		`"nation_id" bigint NOT NULL REFERENCES nations(id)`,
		`UNIQUE ("movie_cd", "nation_id")`,
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("junction ddl missing %q: %s", want, ddl)
		}
	}
}

func TestBuildCreateSQL_RejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := buildCreateSQL(storage.TableSpec{
		Name:    "bad",
		Columns: []storage.ColumnSpec{{Name: "x", Type: "uuid"}},
	})
	if err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestBuildInsertLinkSQL_DoNothingOnConflict(t *testing.T) {
	t.Parallel()

	got := buildInsertLinkSQL(storage.ShowType)
	want := `INSERT INTO "movie_and_show_type" ("movie_cd", "show_type_id") VALUES ($1, $2) ON CONFLICT ("movie_cd", "show_type_id") DO NOTHING`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
}
