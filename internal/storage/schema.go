package storage

// Logical column types. Each backend maps them to its own DDL types.
const (
	TypeString = "string" // short indexed text (codes, names)
	TypeText   = "text"   // unbounded text (JSON lists)
	TypeInt    = "int"    // 64-bit integer
	TypeDate   = "date"   // YYYYMMDD / YYYY-MM-DD text
)

type TableSpec struct {
	Name string

	// PrimaryKey, when set, adds an auto-generated surrogate id column.
	PrimaryKey  *PrimaryKeySpec
	Columns     []ColumnSpec
	Constraints []ConstraintSpec
}

type PrimaryKeySpec struct {
	Name string
}

type ColumnSpec struct {
	Name       string
	Type       string
	PrimaryKey bool
	Nullable   bool
	References string // "table(column)"
}

type ConstraintSpec struct {
	Kind    string // "unique"
	Columns []string
}

// Schema returns every table in creation order: movies and lookups before
// the fact, detail and junction tables that reference them.
func Schema() []TableSpec {
	tables := []TableSpec{
		{
			Name: "daily_box_office",
			Columns: []ColumnSpec{
				{Name: "movie_cd", Type: TypeString, PrimaryKey: true},
				{Name: "movie_nm", Type: TypeString},
				{Name: "open_dt", Type: TypeDate, Nullable: true},
			},
		},
	}

	for _, c := range EntityClasses {
		tables = append(tables, TableSpec{
			Name:       c.Table(),
			PrimaryKey: &PrimaryKeySpec{Name: "id"},
			Columns:    []ColumnSpec{{Name: "name", Type: TypeString}},
			Constraints: []ConstraintSpec{
				{Kind: "unique", Columns: []string{"name"}},
			},
		})
	}

	tables = append(tables,
		TableSpec{
			Name:       "daily_box_office_data",
			PrimaryKey: &PrimaryKeySpec{Name: "id"},
			Columns: []ColumnSpec{
				{Name: "movie_cd", Type: TypeString, References: "daily_box_office(movie_cd)"},
				{Name: "target_dt", Type: TypeDate},
				{Name: "rank", Type: TypeInt},
				{Name: "sales_amt", Type: TypeInt},
				{Name: "sales_acc", Type: TypeInt},
				{Name: "audi_cnt", Type: TypeInt},
				{Name: "audi_acc", Type: TypeInt},
				{Name: "scrn_cnt", Type: TypeInt},
				{Name: "show_cnt", Type: TypeInt},
			},
			Constraints: []ConstraintSpec{
				{Kind: "unique", Columns: BoxOfficeKeyColumns},
			},
		},
		TableSpec{
			Name: "movie_details",
			Columns: []ColumnSpec{
				{Name: "movie_cd", Type: TypeString, PrimaryKey: true, References: "daily_box_office(movie_cd)"},
				{Name: "movie_nm_en", Type: TypeString, Nullable: true},
				{Name: "show_tm", Type: TypeString, Nullable: true},
				{Name: "prdt_year", Type: TypeString, Nullable: true},
				{Name: "open_dt", Type: TypeDate, Nullable: true},
				{Name: "type_nm", Type: TypeString, Nullable: true},
				{Name: "prdt_stat_nm", Type: TypeString, Nullable: true},
				{Name: "nation_list", Type: TypeText, Nullable: true},
				{Name: "genre_list", Type: TypeText, Nullable: true},
				{Name: "director_list", Type: TypeText, Nullable: true},
				{Name: "actor_list", Type: TypeText, Nullable: true},
				{Name: "show_type_list", Type: TypeText, Nullable: true},
				{Name: "company_list", Type: TypeText, Nullable: true},
				{Name: "rating", Type: TypeText, Nullable: true},
			},
		},
	)

	for _, c := range EntityClasses {
		tables = append(tables, TableSpec{
			Name: c.LinkTable(),
			Columns: []ColumnSpec{
				{Name: "movie_cd", Type: TypeString, References: "daily_box_office(movie_cd)"},
				{Name: c.LinkColumn(), Type: TypeInt, References: c.Table() + "(id)"},
			},
			Constraints: []ConstraintSpec{
				{Kind: "unique", Columns: []string{"movie_cd", c.LinkColumn()}},
			},
		})
	}

	return tables
}
