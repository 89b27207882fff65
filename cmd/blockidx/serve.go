package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/koustreak/blockidx/internal/kv"
	"github.com/koustreak/blockidx/internal/reconcile"
	"github.com/koustreak/blockidx/internal/server"
	"github.com/koustreak/blockidx/internal/table"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP read gateway and, when enabled, the balance reconciler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		endpoint := a.cfg.Database.Endpoint
		store, err := kv.Open(ctx, a.reg, a.cfg.Database.KVPrefix, endpoint)
		if err != nil {
			return err
		}
		balances, err := table.Open(ctx, a.reg, reconcile.BalanceSchema, endpoint)
		if err != nil {
			return err
		}

		var rec *reconcile.Reconciler
		if a.cfg.Reconciler.Enabled {
			client, err := reconcile.DialRedis(ctx, a.cfg.Redis)
			if err != nil {
				return err
			}
			defer client.Close()

			rec = reconcile.New(
				reconcile.NewRedisSet(client, a.cfg.Redis.Key),
				reconcile.NewRPCSource(a.cfg.Reconciler.NodeURL, a.cfg.Reconciler.NodeTimeout),
				balances, store, a.cfg.ReconcileConfig(), a.log,
			)
		}

		g, ctx := errgroup.WithContext(ctx)
		srv := server.New(a.cfg.HTTP, a.reg, store, []*table.Table{balances, store.Table()}, a.log)
		g.Go(func() error { return srv.ListenAndServe(ctx) })
		if rec != nil {
			g.Go(func() error { return rec.Run(ctx) })
		}

		return g.Wait()
	},
}
