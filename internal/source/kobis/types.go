package kobis

import (
	"bytes"
	"encoding/json"
)

// Field is a scalar that KOBIS usually sends as a JSON string but
// occasionally as a bare number. null and absent both decode to "".
type Field string

func (f *Field) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Field(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = Field(n.String())
	return nil
}

// RawMovieEntry is one row of dailyBoxOfficeList, as sent.
type RawMovieEntry struct {
	RowNum   Field `json:"rnum"`
	Rank     Field `json:"rank"`
	MovieCd  Field `json:"movieCd"`
	MovieNm  Field `json:"movieNm"`
	OpenDt   Field `json:"openDt"`
	SalesAmt Field `json:"salesAmt"`
	SalesAcc Field `json:"salesAcc"`
	AudiCnt  Field `json:"audiCnt"`
	AudiAcc  Field `json:"audiAcc"`
	ScrnCnt  Field `json:"scrnCnt"`
	ShowCnt  Field `json:"showCnt"`
}

// RawMovieDetail is movieInfoResult.movieInfo, limited to the fields the
// pipeline keeps.
type RawMovieDetail struct {
	MovieCd    Field `json:"movieCd"`
	MovieNm    Field `json:"movieNm"`
	MovieNmEn  Field `json:"movieNmEn"`
	ShowTm     Field `json:"showTm"`
	PrdtYear   Field `json:"prdtYear"`
	OpenDt     Field `json:"openDt"`
	PrdtStatNm Field `json:"prdtStatNm"`
	TypeNm     Field `json:"typeNm"`

	Nations   []Nation   `json:"nations"`
	Genres    []Genre    `json:"genres"`
	Directors []Person   `json:"directors"`
	Actors    []Person   `json:"actors"`
	ShowTypes []ShowType `json:"showTypes"`
	Companys  []Company  `json:"companys"`
	Audits    []Audit    `json:"audits"`
}

type Nation struct {
	NationNm Field `json:"nationNm"`
}

type Genre struct {
	GenreNm Field `json:"genreNm"`
}

// Person is a director or actor entry.
type Person struct {
	PeopleNm   Field `json:"peopleNm"`
	PeopleNmEn Field `json:"peopleNmEn"`
	Cast       Field `json:"cast"`
}

type ShowType struct {
	ShowTypeGroupNm Field `json:"showTypeGroupNm"`
	ShowTypeNm      Field `json:"showTypeNm"`
}

type Company struct {
	CompanyCd     Field `json:"companyCd"`
	CompanyNm     Field `json:"companyNm"`
	CompanyPartNm Field `json:"companyPartNm"`
}

type Audit struct {
	AuditNo      Field `json:"auditNo"`
	WatchGradeNm Field `json:"watchGradeNm"`
}

// faultInfo is the envelope KOBIS returns with HTTP 200 for rejected keys
// and exhausted quotas.
type faultInfo struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

type dailyEnvelope struct {
	FaultInfo       *faultInfo `json:"faultInfo"`
	BoxOfficeResult *struct {
		BoxofficeType      string           `json:"boxofficeType"`
		ShowRange          string           `json:"showRange"`
		DailyBoxOfficeList *[]RawMovieEntry `json:"dailyBoxOfficeList"`
	} `json:"boxOfficeResult"`
}

type movieInfoEnvelope struct {
	FaultInfo       *faultInfo `json:"faultInfo"`
	MovieInfoResult *struct {
		MovieInfo *RawMovieDetail `json:"movieInfo"`
		Source    string          `json:"source"`
	} `json:"movieInfoResult"`
}
