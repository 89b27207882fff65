// Package reconcile refreshes token balances of addresses queued by the
// indexer. Addresses arrive in a deduplicating pending set; the reconciler
// drains it at a bounded rate, asks the node for current balances and
// writes them through the table facade.
package reconcile

import (
	"context"
	"math/big"
	"time"

	"golang.org/x/time/rate"

	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/errs"
	"github.com/koustreak/blockidx/internal/kv"
	"github.com/koustreak/blockidx/internal/logger"
	"github.com/koustreak/blockidx/internal/table"
)

// ReconciledCounter is the key-value counter of successful reconciliations.
const ReconciledCounter = "reconciledAddresses"

// BalanceSchema is the table balances are written to.
var BalanceSchema = table.Schema{
	TableName:  "token_balances",
	PrimaryKey: []string{"address", "tokenID"},
	Columns: []table.Column{
		{Name: "address", Type: table.TypeString, Size: 64},
		{Name: "tokenID", Type: table.TypeString, Size: 16},
		{Name: "availableBalance", Type: table.TypeBigInteger, Default: 0},
		{Name: "lockedBalances", Type: table.TypeJSON, Nullable: true},
	},
	Indexes: map[string]table.IndexKind{"tokenID": table.IndexKey},
	CompositeIndexes: map[string][]table.IndexPart{
		"richlist": {{Key: "tokenID", Direction: "asc"}, {Key: "availableBalance", Direction: "desc"}},
	},
}

// Balance is one token balance of an address as reported by the node.
type Balance struct {
	TokenID   string
	Available *big.Int
	// Locked maps a module name to the amount it holds.
	Locked map[string]string
}

// BalanceSource reads current balances from a node.
type BalanceSource interface {
	Balances(ctx context.Context, address string) ([]Balance, error)
}

// Config tunes the drain loop.
type Config struct {
	// Rate is the number of addresses reconciled per second.
	Rate float64 `yaml:"rate"`
	// Batch is the number of addresses popped at once.
	Batch int `yaml:"batch"`
	// Idle is how long to wait when the pending set is empty.
	Idle time.Duration `yaml:"idle"`
}

// DefaultConfig returns the drain loop defaults.
func DefaultConfig() Config {
	return Config{Rate: 20, Batch: 50, Idle: time.Second}
}

// Reconciler drains a PendingSet into the balances table.
type Reconciler struct {
	pending  PendingSet
	source   BalanceSource
	balances *table.Table
	counters *kv.Store
	limiter  *rate.Limiter
	cfg      Config
	log      *logger.Logger
}

// New creates a reconciler. counters may be nil; otherwise it must live on
// the same endpoint as balances so both are written in one transaction.
func New(pending PendingSet, source BalanceSource, balances *table.Table, counters *kv.Store, cfg Config, log *logger.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.Idle <= 0 {
		cfg.Idle = def.Idle
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		pending:  pending,
		source:   source,
		balances: balances,
		counters: counters,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), 1),
		cfg:      cfg,
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// Run drains the pending set until ctx is cancelled. Addresses that fail
// are put back for a later pass.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.InfoWith("reconciler started", map[string]interface{}{
		"rate":  r.cfg.Rate,
		"batch": r.cfg.Batch,
	})
	for {
		n, err := r.DrainOnce(ctx)
		if ctx.Err() != nil {
			r.log.Info("reconciler stopped")
			return nil
		}
		if err != nil {
			r.log.WarnWith("draining pending addresses failed", err, nil)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return nil
		case <-time.After(r.cfg.Idle):
		}
	}
}

// DrainOnce pops one batch and reconciles it, returning how many addresses
// were reconciled. Failed addresses are re-enqueued; when ctx ends mid
// batch the unprocessed rest is re-enqueued too.
func (r *Reconciler) DrainOnce(ctx context.Context) (int, error) {
	addrs, err := r.pending.Pop(ctx, r.cfg.Batch)
	if err != nil {
		return 0, err
	}

	done := 0
	var failed []string
	for i, addr := range addrs {
		if err := r.limiter.Wait(ctx); err != nil {
			failed = append(failed, addrs[i:]...)
			break
		}
		if err := r.Reconcile(ctx, addr); err != nil {
			r.log.WarnWith("balance reconciliation failed", err, map[string]interface{}{"address": addr})
			failed = append(failed, addr)
			continue
		}
		done++
	}

	if len(failed) > 0 {
		if err := r.pending.Add(context.WithoutCancel(ctx), failed...); err != nil {
			r.log.ErrorWith("re-enqueueing addresses failed", err, map[string]interface{}{"addresses": failed})
			return done, err
		}
	}
	return done, nil
}

// Reconcile refreshes every balance of address in one transaction.
func (r *Reconciler) Reconcile(ctx context.Context, address string) error {
	balances, err := r.source.Balances(ctx, address)
	if err != nil {
		return errs.Wrap(errs.KindOf(err), "failed to read balances of "+address, err)
	}

	rows := make([]table.Row, 0, len(balances))
	for _, b := range balances {
		if b.TokenID == "" {
			return errs.Newf(errs.ErrKindInvalidInput, "balance of %s has no token", address)
		}
		row := table.Row{
			"address":          address,
			"tokenID":          b.TokenID,
			"availableBalance": b.Available,
			"lockedBalances":   nil,
		}
		if b.Available == nil {
			row["availableBalance"] = 0
		}
		if len(b.Locked) > 0 {
			row["lockedBalances"] = b.Locked
		}
		rows = append(rows, row)
	}

	return database.RunInTx(ctx, r.balances.Conn(), nil, func(tx *database.Tx) error {
		if _, err := r.balances.Upsert(ctx, rows, tx); err != nil {
			return err
		}
		if r.counters == nil {
			return nil
		}
		_, err := r.counters.Increment(ctx, ReconciledCounter, big.NewInt(1), tx)
		return err
	})
}
