package main

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/koustreak/blockidx/internal/errs"
	"github.com/koustreak/blockidx/internal/kv"
	"github.com/koustreak/blockidx/internal/reconcile"
)

var kvKind string

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and write the key-value table",
}

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value stored under key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		store, err := kv.Open(cmd.Context(), a.reg, a.cfg.Database.KVPrefix, a.cfg.Database.Endpoint)
		if err != nil {
			return err
		}
		v, err := store.Get(cmd.Context(), args[0], nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", v, v.Kind())
		return nil
	},
}

var kvSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store value under key as the kind given by --kind",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseValue(kvKind, args[1])
		if err != nil {
			return err
		}

		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		store, err := kv.Open(cmd.Context(), a.reg, a.cfg.Database.KVPrefix, a.cfg.Database.Endpoint)
		if err != nil {
			return err
		}
		return store.Set(cmd.Context(), args[0], v, nil)
	},
}

func parseValue(kind, raw string) (kv.Value, error) {
	switch kv.Kind(kind) {
	case kv.KindString:
		return kv.String(raw), nil
	case kv.KindBoolean:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return kv.Value{}, errs.Wrap(errs.ErrKindInvalidInput, "not a boolean", err)
		}
		return kv.Bool(b), nil
	case kv.KindNumber:
		if i, err := cast.ToInt64E(raw); err == nil {
			return kv.Int(i), nil
		}
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return kv.Value{}, errs.Wrap(errs.ErrKindInvalidInput, "not a number", err)
		}
		return kv.Float(f), nil
	case kv.KindBigInt:
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return kv.Value{}, errs.Newf(errs.ErrKindInvalidInput, "%q is not an integer", raw)
		}
		return kv.BigInt(n), nil
	default:
		return kv.Value{}, errs.Newf(errs.ErrKindInvalidInput, "unknown kind %q", kind)
	}
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <address>...",
	Short: "Queue addresses for balance reconciliation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		client, err := reconcile.DialRedis(cmd.Context(), a.cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		set := reconcile.NewRedisSet(client, a.cfg.Redis.Key)
		if err := set.Add(cmd.Context(), args...); err != nil {
			return err
		}
		n, err := set.Len(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d addresses pending\n", n)
		return nil
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables of the configured database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.close()

		conn, err := a.reg.Connect(cmd.Context(), a.cfg.Database.Endpoint)
		if err != nil {
			return err
		}
		names, err := conn.ListTables(cmd.Context())
		if err != nil {
			return err
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

func init() {
	kvSetCmd.Flags().StringVar(&kvKind, "kind", string(kv.KindString), "value kind: string, boolean, number or bigint")
	kvCmd.AddCommand(kvGetCmd, kvSetCmd)
}
