package database

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/ekaya-dal/pkg/config"
)

// Identifier names a registered pool, e.g. "primary" or "secondary".
type Identifier string

const (
	Primary   Identifier = "primary"
	Secondary Identifier = "secondary"
)

// ConnectionDetails are the resolved settings for one identifier.
// Password never appears in String or log fields.
type ConnectionDetails struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	PoolSize       int
	ConnectTimeout time.Duration
	WaitTimeout    time.Duration
	AcquireTimeout time.Duration
	RetryAfter     time.Duration
	Timezone       string
	Debug          bool
}

// Override replaces resolved values field by field; zero fields are ignored.
type Override struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	PoolSize       int
	ConnectTimeout time.Duration
	WaitTimeout    time.Duration
	Timezone       string
}

// ResolveDetails derives the effective settings from the environment-sourced
// configuration and an explicit override. When cfg selects the test
// environment every default comes from the _TEST variable set.
// It performs no validation and no I/O; absent values stay empty. The
// registry maps the merged host for containers afterwards.
func ResolveDetails(cfg *config.Config, override Override) ConnectionDetails {
	db := cfg.ActiveDatabase()

	details := ConnectionDetails{
		Host:           db.Host,
		Port:           db.Port,
		Database:       db.Name,
		User:           db.User,
		Password:       db.Password,
		PoolSize:       db.PoolSize,
		ConnectTimeout: db.ConnectTimeout(),
		WaitTimeout:    time.Duration(db.WaitTimeoutS) * time.Second,
		AcquireTimeout: db.AcquireTimeout(),
		RetryAfter:     db.RetryAfter(),
		Timezone:       db.Timezone,
		Debug:          db.Debug,
	}

	if override.Host != "" {
		details.Host = override.Host
	}
	if override.Port != 0 {
		details.Port = override.Port
	}
	if override.Database != "" {
		details.Database = override.Database
	}
	if override.User != "" {
		details.User = override.User
	}
	if override.Password != "" {
		details.Password = override.Password
	}
	if override.PoolSize != 0 {
		details.PoolSize = override.PoolSize
	}
	if override.ConnectTimeout != 0 {
		details.ConnectTimeout = override.ConnectTimeout
	}
	if override.WaitTimeout != 0 {
		details.WaitTimeout = override.WaitTimeout
	}
	if override.Timezone != "" {
		details.Timezone = override.Timezone
	}
	return details
}

// Validate reports required fields that are missing.
func (d ConnectionDetails) Validate(id Identifier) error {
	var missing []string
	if d.Host == "" {
		missing = append(missing, "host")
	}
	if d.Port <= 0 {
		missing = append(missing, "port")
	}
	if d.Database == "" {
		missing = append(missing, "database")
	}
	if d.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Identifier: id, Missing: missing}
	}
	return nil
}

// Addr returns host:port.
func (d ConnectionDetails) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d ConnectionDetails) String() string {
	return fmt.Sprintf("%s@%s/%s (pool %d)", d.User, d.Addr(), d.Database, d.PoolSize)
}

// MySQLConfig builds the driver configuration. The session wait_timeout is sent
// as a connection parameter, so the driver applies it to every new connection.
func (d ConnectionDetails) MySQLConfig() (*mysql.Config, error) {
	loc := time.UTC
	if d.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(d.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", d.Timezone, err)
		}
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = d.Addr()
	cfg.DBName = d.Database
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Timeout = d.ConnectTimeout
	cfg.ParseTime = true
	cfg.Loc = loc
	if d.WaitTimeout > 0 {
		cfg.Params = map[string]string{
			"wait_timeout": strconv.Itoa(int(d.WaitTimeout / time.Second)),
		}
	}
	return cfg, nil
}

// override turns resolved details back into an Override, used to recreate a
// connection with exactly the settings it was first created with.
func (d ConnectionDetails) override() Override {
	return Override{
		Host:           d.Host,
		Port:           d.Port,
		Database:       d.Database,
		User:           d.User,
		Password:       d.Password,
		PoolSize:       d.PoolSize,
		ConnectTimeout: d.ConnectTimeout,
		WaitTimeout:    d.WaitTimeout,
		Timezone:       d.Timezone,
	}
}
