package database

import "time"

// Config holds pool settings shared by every connection the registry opens.
// The endpoint itself is supplied per table instance, so one registry can
// serve several logical databases.
type Config struct {
	// Pool tuning
	MaxOpenConns    int           // maximum number of open connections per pool
	MaxIdleConns    int           // maximum number of idle connections kept alive
	MaxConnLifetime time.Duration // maximum time a connection may be reused
	MaxConnIdleTime time.Duration // maximum time a connection may sit idle

	// ConnectTimeout bounds the first ping of a new pool and every health probe.
	ConnectTimeout time.Duration

	// HealthInterval is how often the background probe pings each pool.
	// Zero disables the probe.
	HealthInterval time.Duration
}

// DefaultConfig returns pool settings tuned for many concurrent indexing
// jobs and RPC handlers sharing one pool per database.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		HealthInterval:  30 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.MaxOpenConns == 0 {
		out.MaxOpenConns = d.MaxOpenConns
	}
	if out.MaxIdleConns == 0 {
		out.MaxIdleConns = d.MaxIdleConns
	}
	if out.MaxConnLifetime == 0 {
		out.MaxConnLifetime = d.MaxConnLifetime
	}
	if out.MaxConnIdleTime == 0 {
		out.MaxConnIdleTime = d.MaxConnIdleTime
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = d.ConnectTimeout
	}
	return &out
}
