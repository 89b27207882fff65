package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/koustreak/blockidx/internal/config"
	"github.com/koustreak/blockidx/internal/database"
	_ "github.com/koustreak/blockidx/internal/database/mysql"
	_ "github.com/koustreak/blockidx/internal/database/postgres"
	"github.com/koustreak/blockidx/internal/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "blockidx",
	Short: "Transactional storage layer of a blockchain indexer",
	Long: `blockidx keeps indexed blockchain data in MySQL or PostgreSQL tables and a
typed key-value table, serves them read-only over HTTP and keeps token
balances of queued addresses in sync with a node.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, enqueueCmd, tablesCmd, kvCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is what every command needs: the loaded config, a logger and the
// registry every facade shares.
type app struct {
	cfg *config.Config
	log *logger.Logger
	reg *database.Registry
}

func setup() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Logger())
	logger.SetGlobal(log)
	reg := database.NewRegistry(log, database.WithConfig(cfg.Pool()))
	return &app{cfg: cfg, log: log, reg: reg}, nil
}

func (a *app) close() {
	if err := a.reg.Close(); err != nil {
		a.log.WarnWith("closing database pools failed", err, nil)
	}
}
