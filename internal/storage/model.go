package storage

import (
	"encoding/json"
	"strings"
)

// EntityClass names one categorical attribute of a movie. Each class owns a
// lookup table (id, name) and a junction table movie_and_<class>.
type EntityClass string

const (
	Nation   EntityClass = "nation"
	Genre    EntityClass = "genre"
	Director EntityClass = "director"
	Actor    EntityClass = "actor"
	ShowType EntityClass = "show_type"
	Company  EntityClass = "company"
)

// EntityClasses lists every class in the order tables are created and
// relations are applied.
var EntityClasses = []EntityClass{Nation, Genre, Director, Actor, ShowType, Company}

var lookupTables = map[EntityClass]string{
	Nation:   "nations",
	Genre:    "genres",
	Director: "directors",
	Actor:    "actors",
	ShowType: "show_types",
	Company:  "companies",
}

// Valid reports whether c is one of EntityClasses.
func (c EntityClass) Valid() bool {
	_, ok := lookupTables[c]
	return ok
}

// Table returns the lookup table name, e.g. "genres".
func (c EntityClass) Table() string { return lookupTables[c] }

// LinkTable returns the junction table name, e.g. "movie_and_genre".
func (c EntityClass) LinkTable() string { return "movie_and_" + string(c) }

// LinkColumn returns the junction column referencing the lookup id, e.g. "genre_id".
func (c EntityClass) LinkColumn() string { return string(c) + "_id" }

// BoxOfficeFact is one day's performance metrics for one title.
// Natural key: (MovieCode, TargetDate).
type BoxOfficeFact struct {
	MovieCode           string
	TargetDate          string // YYYYMMDD
	Rank                int64
	SalesAmount         int64
	SalesAccumulated    int64
	AudienceCount       int64
	AudienceAccumulated int64
	ScreenCount         int64
	ShowCount           int64
}

// MovieFact is the title row shared by every daily fact. Natural key: MovieCode.
type MovieFact struct {
	MovieCode string
	Name      string
	OpenDate  string // YYYY-MM-DD or empty
}

// MovieDetailFact is the per-title metadata snapshot. List fields keep the
// upstream order; the normalized form of the same values lives in the
// junction tables.
type MovieDetailFact struct {
	MovieCode        string
	NameEn           string
	ShowTime         string
	ProductionYear   string
	OpenDate         string
	TypeName         string
	ProductionStatus string

	Nations     []string
	Genres      []string
	Directors   []string
	Actors      []string
	ShowTypes   []string
	Companies   []string
	WatchGrades []string
}

var (
	MovieColumns    = []string{"movie_cd", "movie_nm", "open_dt"}
	MovieKeyColumns = []string{"movie_cd"}

	BoxOfficeColumns = []string{
		"movie_cd", "target_dt", "rank",
		"sales_amt", "sales_acc", "audi_cnt", "audi_acc", "scrn_cnt", "show_cnt",
	}
	BoxOfficeKeyColumns = []string{"movie_cd", "target_dt"}

	MovieDetailColumns = []string{
		"movie_cd", "movie_nm_en", "show_tm", "prdt_year", "open_dt", "type_nm", "prdt_stat_nm",
		"nation_list", "genre_list", "director_list", "actor_list", "show_type_list", "company_list",
		"rating",
	}
	MovieDetailKeyColumns = []string{"movie_cd"}
)

// Values returns the row aligned with MovieColumns.
func (m MovieFact) Values() []any {
	return []any{m.MovieCode, m.Name, nullString(m.OpenDate)}
}

// Values returns the row aligned with BoxOfficeColumns.
func (f BoxOfficeFact) Values() []any {
	return []any{
		f.MovieCode, f.TargetDate, f.Rank,
		f.SalesAmount, f.SalesAccumulated, f.AudienceCount, f.AudienceAccumulated, f.ScreenCount, f.ShowCount,
	}
}

// Values returns the row aligned with MovieDetailColumns. Empty strings and
// empty lists become NULL so fill-if-null upserts keep earlier values.
func (d MovieDetailFact) Values() []any {
	return []any{
		d.MovieCode,
		nullString(d.NameEn),
		nullString(d.ShowTime),
		nullString(d.ProductionYear),
		nullString(d.OpenDate),
		nullString(d.TypeName),
		nullString(d.ProductionStatus),
		EncodeList(d.Nations),
		EncodeList(d.Genres),
		EncodeList(d.Directors),
		EncodeList(d.Actors),
		EncodeList(d.ShowTypes),
		EncodeList(d.Companies),
		EncodeList(d.WatchGrades),
	}
}

// EncodeList renders an ordered name list as a JSON array string, or nil
// (SQL NULL) when the list is empty. JSON keeps names containing commas intact.
func EncodeList(names []string) any {
	if len(names) == 0 {
		return nil
	}
	b, err := json.Marshal(names)
	if err != nil {
		// []string always marshals.
		return nil
	}
	return string(b)
}

// decodeList is the inverse of EncodeList. NULL/blank decodes to nil.
func decodeList(v any) ([]string, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return nil, &StoreError{Op: "decode list", Err: errUnsupportedListValue}
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, &StoreError{Op: "decode list", Err: err}
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
