package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Options names a MySQL database and how to pool connections to it.
type Options struct {
	User, Pass       string
	Host, Port, Name string

	MaxOpenConns    int           // 25 when zero
	ConnMaxLifetime time.Duration // 30m when zero
	PingTimeout     time.Duration // 5s when zero
}

// DSN renders the driver DSN. Times are parsed into time.Time in UTC, and
// params are added verbatim (the migrator needs multiStatements).
func (o Options) DSN(params map[string]string) string {
	c := mysql.NewConfig()
	c.User = o.User
	c.Passwd = o.Pass
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(o.Host, o.Port)
	c.DBName = o.Name
	c.ParseTime = true
	c.Loc = time.UTC
	c.Params = map[string]string{"charset": "utf8mb4"}
	for k, v := range params {
		c.Params[k] = v
	}
	return c.FormatDSN()
}

// Open connects to MySQL and pings it within PingTimeout.
func Open(ctx context.Context, o Options) (*sql.DB, error) {
	const op = "database.Open"

	db, err := sql.Open("mysql", o.DSN(nil))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	open := o.MaxOpenConns
	if open <= 0 {
		open = 25
	}
	life := o.ConnMaxLifetime
	if life <= 0 {
		life = 30 * time.Minute
	}
	db.SetMaxOpenConns(open)
	db.SetMaxIdleConns(open)
	db.SetConnMaxLifetime(life)

	timeout := o.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping %s: %w", op, o.Name, err)
	}
	return db, nil
}
