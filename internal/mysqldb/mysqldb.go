package mysqldb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"revindex/internal/config"
)

// DSN builds the go-sql-driver/mysql data source name for cfg. The host may
// carry a port ("db:3306"); a bare host gets the default port.
func DSN(cfg *config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = cfg.Host
	if !strings.Contains(mc.Addr, ":") {
		mc.Addr += ":3306"
	}
	mc.DBName = cfg.Database
	mc.MaxAllowedPacket = int(cfg.MaxAllowedPacket)
	mc.Params = map[string]string{"charset": Charset(cfg.Charset)}
	return mc.FormatDSN()
}

// Charset maps an IANA style encoding name to the MySQL character set name.
func Charset(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf-8", "utf8", "utf8mb4":
		return "utf8mb4"
	case "iso-8859-1", "iso8859-1", "latin1", "windows-1252", "cp1252":
		return "latin1"
	case "us-ascii", "ascii":
		return "ascii"
	case "utf-16", "utf16":
		return "utf16"
	}
	return strings.ReplaceAll(n, "-", "")
}

// Dial opens a connection pool and pings it, retrying the ping with the
// configured attempts and delay. Nothing past the ping is ever retried.
func Dial(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	attempts := cfg.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(cfg.Retry.DelayMS) * time.Millisecond

	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, errors.Wrap(err, "opening mysql connection")
	}
	// A single sequential reader or writer per pool.
	db.SetMaxOpenConns(1)

	for attempt := 1; attempt <= attempts; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}

		logrus.Warnf("mysql ping failed (attempt %d/%d) | host=%s db=%s: %v", attempt, attempts, cfg.Host, cfg.Database, err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	db.Close()
	return nil, errors.Wrapf(err, "connecting to %s/%s", cfg.Host, cfg.Database)
}
