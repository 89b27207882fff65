package postgres

import (
	"net"
	"net/url"
	"strconv"

	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
)

const (
	defaultPort    = 5432
	defaultCharset = "utf8"
	defaultSSLMode = "disable"
)

// DSN renders a pgx connection URL for ep. sslmode defaults to disable and
// the endpoint charset becomes client_encoding.
func (Dialect) DSN(ep database.Endpoint, cfg *database.Config) (string, error) {
	if ep.Host == "" {
		return "", errs.New(errs.ErrKindInvalidInput, "postgres endpoint has no host")
	}
	port := ep.Port
	if port == 0 {
		port = defaultPort
	}

	q := url.Values{}
	for k, v := range ep.Params {
		if k == "charset" {
			continue
		}
		q[k] = v
	}
	if q.Get("sslmode") == "" {
		q.Set("sslmode", defaultSSLMode)
	}
	q.Set("client_encoding", ep.Charset(defaultCharset))
	if cfg != nil && cfg.ConnectTimeout > 0 && q.Get("connect_timeout") == "" {
		secs := int(cfg.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(ep.Host, strconv.Itoa(port)),
		Path:     "/" + ep.Database,
		RawQuery: q.Encode(),
	}
	if ep.User != "" {
		u.User = url.UserPassword(ep.User, ep.Password)
	}
	return u.String(), nil
}
