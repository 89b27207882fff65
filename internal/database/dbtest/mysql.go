//go:build integration

// Package dbtest starts a throwaway MySQL server in docker for integration
// tests.
package dbtest

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ory/dockertest"
	"github.com/ory/dockertest/docker"

	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/logger"
)

var doPauseAtExit = flag.Bool("pause-at-exit", false,
	"If true, keep the database container running after the tests")

const (
	password = "secret"
	port     = "3306"
	dbName   = "blockidx"
)

// Server is a running MySQL container.
type Server struct {
	Endpoint string
	Registry *database.Registry

	pool     *dockertest.Pool
	resource *dockertest.Resource
}

// StartMySQL runs a MySQL container and waits until it accepts
// connections. The returned registry is connected to it.
func StartMySQL() *Server {
	pool, err := dockertest.NewPool(os.Getenv("DOCKER_URL"))
	if err != nil {
		log.Fatalf("Creating docker pool: %v", err)
	}
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=" + password,
			"MYSQL_DATABASE=" + dbName,
		},
		ExposedPorts: []string{port},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("Starting MySQL container: %v", err)
	}
	if !*doPauseAtExit {
		_ = resource.Expire(300)
	}

	endpoint := fmt.Sprintf("mysql://root:%s@localhost:%s/%s", password, resource.GetPort(port+"/tcp"), dbName)

	// The server refuses connections while it boots, which must not end
	// the test binary.
	reg := database.NewRegistry(logger.New(&logger.Config{Level: "warn", Format: "console"}),
		database.WithFatalHandler(func(error) {}),
	)
	if err := pool.Retry(func() error {
		_, err := reg.Connect(context.Background(), endpoint)
		return err
	}); err != nil {
		log.Fatalf("Connecting to MySQL: %v", err)
	}

	return &Server{Endpoint: endpoint, Registry: reg, pool: pool, resource: resource}
}

// Stop closes the registry and removes the container.
func (s *Server) Stop() {
	if err := s.Registry.Close(); err != nil {
		log.Printf("WARNING: closing registry failed: %v", err)
	}
	if *doPauseAtExit {
		log.Print("Leaving database container running")
		return
	}
	if err := s.pool.Purge(s.resource); err != nil {
		log.Printf("WARNING: purging container failed: %v", err)
	}
}
