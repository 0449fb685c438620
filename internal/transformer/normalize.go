// Package transformer flattens raw KOBIS records into storage facts and
// relation tuples.
package transformer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"kobisetl/internal/source/kobis"
	"kobisetl/internal/storage"
)

// MaxActors caps the actor list per movie, in upstream order.
const MaxActors = 5

// RelationTuple links one movie to one categorical name.
type RelationTuple struct {
	MovieCode string
	Class     storage.EntityClass
	Name      string
}

// NormalizedDay is everything one target date contributes to the store.
type NormalizedDay struct {
	Date      string
	BoxOffice []storage.BoxOfficeFact
	Movies    []storage.MovieFact
	Details   []storage.MovieDetailFact
	Relations []RelationTuple
}

// Normalize converts one day's raw list plus the details fetched for its
// movies. A movie whose code is absent from details still yields its box
// office and movie facts, but no detail row and no relations.
//
// Missing numbers become 0 and missing strings "". A number that is present
// but unparseable fails the whole day with *kobis.DataShapeError.
func Normalize(raw []kobis.RawMovieEntry, details map[string]kobis.RawMovieDetail, date string) (NormalizedDay, error) {
	if err := validateTargetDate(date); err != nil {
		return NormalizedDay{}, err
	}

	day := NormalizedDay{
		Date:      date,
		BoxOffice: make([]storage.BoxOfficeFact, 0, len(raw)),
		Movies:    make([]storage.MovieFact, 0, len(raw)),
	}
	seen := make(map[RelationTuple]struct{})

	for i, e := range raw {
		code := string(e.MovieCd)
		if strings.TrimSpace(code) == "" {
			return NormalizedDay{}, &kobis.DataShapeError{
				Endpoint: kobis.EndpointDailyList,
				Key:      fmt.Sprintf("dailyBoxOfficeList[%d].movieCd", i),
			}
		}

		fact, err := boxOfficeFact(i, e, date)
		if err != nil {
			return NormalizedDay{}, err
		}
		day.BoxOffice = append(day.BoxOffice, fact)

		openDt, err := normalizeOpenDate(e.OpenDt)
		if err != nil {
			return NormalizedDay{}, &kobis.DataShapeError{
				Endpoint: kobis.EndpointDailyList,
				Key:      fmt.Sprintf("dailyBoxOfficeList[%d].openDt", i),
				Err:      err,
			}
		}
		day.Movies = append(day.Movies, storage.MovieFact{
			MovieCode: code,
			Name:      string(e.MovieNm),
			OpenDate:  openDt,
		})

		d, ok := details[code]
		if !ok {
			continue
		}
		detail, err := detailFact(code, d)
		if err != nil {
			return NormalizedDay{}, err
		}
		day.Details = append(day.Details, detail)

		for _, rel := range relations(detail) {
			if _, dup := seen[rel]; dup {
				continue
			}
			seen[rel] = struct{}{}
			day.Relations = append(day.Relations, rel)
		}
	}

	return day, nil
}

func boxOfficeFact(i int, e kobis.RawMovieEntry, date string) (storage.BoxOfficeFact, error) {
	f := storage.BoxOfficeFact{MovieCode: string(e.MovieCd), TargetDate: date}
	counts := []struct {
		name string
		raw  kobis.Field
		dst  *int64
	}{
		{"rank", e.Rank, &f.Rank},
		{"salesAmt", e.SalesAmt, &f.SalesAmount},
		{"salesAcc", e.SalesAcc, &f.SalesAccumulated},
		{"audiCnt", e.AudiCnt, &f.AudienceCount},
		{"audiAcc", e.AudiAcc, &f.AudienceAccumulated},
		{"scrnCnt", e.ScrnCnt, &f.ScreenCount},
		{"showCnt", e.ShowCnt, &f.ShowCount},
	}

	for _, c := range counts {
		n, err := parseCount(c.raw)
		if err != nil {
			return storage.BoxOfficeFact{}, &kobis.DataShapeError{
				Endpoint: kobis.EndpointDailyList,
				Key:      fmt.Sprintf("dailyBoxOfficeList[%d].%s", i, c.name),
				Err:      err,
			}
		}
		*c.dst = n
	}
	return f, nil
}

func detailFact(code string, d kobis.RawMovieDetail) (storage.MovieDetailFact, error) {
	openDt, err := normalizeOpenDate(d.OpenDt)
	if err != nil {
		return storage.MovieDetailFact{}, &kobis.DataShapeError{
			Endpoint: kobis.EndpointMovieInfo,
			Key:      "movieInfo.openDt",
			Err:      err,
		}
	}

	out := storage.MovieDetailFact{
		MovieCode:        code,
		NameEn:           string(d.MovieNmEn),
		ShowTime:         string(d.ShowTm),
		ProductionYear:   string(d.PrdtYear),
		OpenDate:         openDt,
		TypeName:         string(d.TypeNm),
		ProductionStatus: string(d.PrdtStatNm),
	}

	for _, n := range d.Nations {
		out.Nations = appendName(out.Nations, n.NationNm)
	}
	for _, g := range d.Genres {
		out.Genres = appendName(out.Genres, g.GenreNm)
	}
	for _, p := range d.Directors {
		out.Directors = appendName(out.Directors, p.PeopleNm)
	}
	// The cap applies to upstream positions; a blank among the first five
	// leaves fewer than five names.
	for i, p := range d.Actors {
		if i == MaxActors {
			break
		}
		out.Actors = appendName(out.Actors, p.PeopleNm)
	}
	for _, s := range d.ShowTypes {
		out.ShowTypes = appendName(out.ShowTypes, s.ShowTypeNm)
	}
	for _, c := range d.Companys {
		out.Companies = appendName(out.Companies, c.CompanyNm)
	}
	for _, a := range d.Audits {
		out.WatchGrades = appendName(out.WatchGrades, a.WatchGradeNm)
	}
	return out, nil
}

// relations lists one tuple per name in class order. Duplicates are removed
// by the caller.
func relations(d storage.MovieDetailFact) []RelationTuple {
	lists := []struct {
		class storage.EntityClass
		names []string
	}{
		{storage.Nation, d.Nations},
		{storage.Genre, d.Genres},
		{storage.Director, d.Directors},
		{storage.Actor, d.Actors},
		{storage.ShowType, d.ShowTypes},
		{storage.Company, d.Companies},
	}

	var out []RelationTuple
	for _, l := range lists {
		for _, name := range l.names {
			out = append(out, RelationTuple{MovieCode: d.MovieCode, Class: l.class, Name: name})
		}
	}
	return out
}

// appendName keeps the name exactly as sent; only blank names are dropped.
func appendName(list []string, name kobis.Field) []string {
	if strings.TrimSpace(string(name)) == "" {
		return list
	}
	return append(list, string(name))
}

// parseCount reads a non-negative count. Blank is 0; thousands separators
// are accepted.
func parseCount(f kobis.Field) (int64, error) {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return 0, nil
	}
	s = strings.ReplaceAll(s, ",", "")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", string(f))
	}
	return n, nil
}

// normalizeOpenDate renders YYYYMMDD or YYYY-MM-DD as YYYY-MM-DD. Blank stays blank.
func normalizeOpenDate(f kobis.Field) (string, error) {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return "", nil
	}
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("not a date: %q", s)
}

func validateTargetDate(date string) error {
	if _, err := time.Parse("20060102", date); err != nil || len(date) != 8 {
		return fmt.Errorf("transformer: target date %q is not YYYYMMDD", date)
	}
	return nil
}
