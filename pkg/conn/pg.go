package conn

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"keeper/internal/errors"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
	defaultMaxOpenConns    = 4
)

// Postgres holds connection settings. DSN wins over the individual fields.
type Postgres struct {
	DSN             string            `json:"dsn" env:"DSN"`
	Host            string            `json:"host" env:"HOST"`
	Port            int               `json:"port" env:"PORT"`
	User            string            `json:"user" env:"USER"`
	Password        string            `json:"-" env:"PASSWORD"`
	Database        string            `json:"database" env:"DATABASE"`
	SSLMode         string            `json:"sslmode" env:"SSLMODE"`
	Params          map[string]string `json:"params"`
	MaxOpenConns    int               `json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration     `json:"-" env:"CONN_MAX_LIFETIME"`
}

// Enabled reports whether a database is configured.
func (p Postgres) Enabled() bool {
	return p.DSN != "" || p.Host != "" || p.Database != ""
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	db *gorm.DB
}

// Open connects and pings the database. config may be nil.
func Open(ctx context.Context, p Postgres, config *gorm.Config) (*Client, error) {
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	}

	db, err := gorm.Open(postgres.Open(p.dsn()), config)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	maxOpen := p.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	if p.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrapf(err, "ping postgres %s", p.Redacted())
	}

	return &Client{db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Redacted returns the connection URL with the password masked.
func (p Postgres) Redacted() string {
	u, err := url.Parse(p.dsn())
	if err != nil {
		return "postgres://<unparsable>"
	}
	return u.Redacted()
}

func (p Postgres) dsn() string {
	if p.DSN != "" {
		return p.DSN
	}

	host := p.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := p.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}

	if p.Database != "" {
		u.Path = "/" + p.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range p.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}
