package mysql

import (
	"net"
	"strconv"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
)

const (
	defaultPort    = 3306
	defaultCharset = "utf8mb4"
)

// DSN renders the go-sql-driver/mysql connection string for ep.
//
// ClientFoundRows makes UPDATE report matched rather than changed rows, so an
// increment by zero on an existing row still reports 1.
func (Dialect) DSN(ep database.Endpoint, cfg *database.Config) (string, error) {
	if ep.Host == "" {
		return "", errs.New(errs.ErrKindInvalidInput, "mysql endpoint has no host")
	}
	port := ep.Port
	if port == 0 {
		port = defaultPort
	}

	c := gomysql.NewConfig()
	c.User = ep.User
	c.Passwd = ep.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(ep.Host, strconv.Itoa(port))
	c.DBName = ep.Database
	c.ParseTime = true
	c.ClientFoundRows = true
	if cfg != nil {
		c.Timeout = cfg.ConnectTimeout
	}

	c.Params = map[string]string{"charset": ep.Charset(defaultCharset)}
	for k, v := range ep.Params {
		if k == "charset" || len(v) == 0 {
			continue
		}
		c.Params[k] = v[0]
	}
	return c.FormatDSN(), nil
}
