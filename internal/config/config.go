// Package config holds the process configuration. It is built once by
// cmd/kobis_etl from the environment (optionally seeded from a .env file)
// and passed down explicitly.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

type Config struct {
	KOBIS   KOBISConfig
	Storage StorageConfig
	Metrics MetricsConfig
	Run     RunConfig
}

// KOBISConfig configures the upstream API client.
type KOBISConfig struct {
	APIKey  string        `env:"KOBIS_API_KEY"`
	BaseURL string        `env:"KOBIS_BASE_URL" envDefault:"http://www.kobis.or.kr/kobisopenapi/webservice/rest"`
	Timeout time.Duration `env:"KOBIS_TIMEOUT" envDefault:"30s"`

	// Daily list filters; empty or zero means "not sent".
	ItemPerPage  int    `env:"KOBIS_ITEM_PER_PAGE" envDefault:"0"`
	MultiMovieYn string `env:"KOBIS_MULTI_MOVIE_YN"`
	RepNationCd  string `env:"KOBIS_REP_NATION_CD"`
	WideAreaCd   string `env:"KOBIS_WIDE_AREA_CD"`
}

// StorageConfig selects the backend. An empty DSN means DefaultSQLitePath
// for sqlite and is assembled from the MYSQL_* variables for mysql.
type StorageConfig struct {
	Kind    string `env:"STORAGE_KIND" envDefault:"sqlite"`
	DSN     string `env:"STORAGE_DSN"`
	Prewarm bool   `env:"RELATION_PREWARM" envDefault:"true"`

	MySQL MySQLConfig
}

type MySQLConfig struct {
	Host     string `env:"MYSQL_HOST" envDefault:"localhost"`
	Port     int    `env:"MYSQL_PORT" envDefault:"3306"`
	User     string `env:"MYSQL_USER"`
	Password string `env:"MYSQL_PASSWORD"`
	Database string `env:"MYSQL_DATABASE" envDefault:"movie_sales"`
}

type MetricsConfig struct {
	Backend        string        `env:"METRICS_BACKEND" envDefault:"none"`
	JobName        string        `env:"METRICS_JOB" envDefault:"kobis_etl"`
	PushgatewayURL string        `env:"PUSHGATEWAY_URL" envDefault:"http://localhost:9091"`
	Tags           string        `env:"METRICS_TAGS"`
	FlushEvery     time.Duration `env:"METRICS_FLUSH_EVERY" envDefault:"60s"`
}

type RunConfig struct {
	// WindowDays is how many days back from yesterday a default run covers.
	WindowDays      int    `env:"KOBIS_WINDOW_DAYS" envDefault:"38"`
	ContinueOnError bool   `env:"CONTINUE_ON_ERROR" envDefault:"false"`
	Cron            string `env:"KOBIS_CRON"`
	Timezone        string `env:"KOBIS_TZ" envDefault:"Asia/Seoul"`
}

// Load reads envFile into the process environment (a missing file is not an
// error) and parses the environment into a Config. Variables already set in
// the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// FromMap parses vars as the whole environment. Used by tests and by
// callers that already hold a parsed .env.
func FromMap(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// DefaultSQLitePath is used when STORAGE_KIND=sqlite and STORAGE_DSN is unset.
const DefaultSQLitePath = "kobis.db"

// StorageDSN returns the DSN handed to the storage backend.
func (c Config) StorageDSN() string {
	if c.Storage.DSN != "" {
		return c.Storage.DSN
	}
	switch c.Storage.Kind {
	case "sqlite":
		return DefaultSQLitePath
	case "mysql":
	default:
		return ""
	}
	m := mysql.NewConfig()
	m.User = c.Storage.MySQL.User
	m.Passwd = c.Storage.MySQL.Password
	m.Net = "tcp"
	m.Addr = net.JoinHostPort(c.Storage.MySQL.Host, strconv.Itoa(c.Storage.MySQL.Port))
	m.DBName = c.Storage.MySQL.Database
	m.Params = map[string]string{"charset": "utf8mb4"}
	return m.FormatDSN()
}

// Location returns the zone used to compute "yesterday".
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Run.Timezone)
}
