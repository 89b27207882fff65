package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/koustreak/blockidx/internal/errs"
)

// RPCSource reads balances from a node's JSON-RPC endpoint with the
// token_getBalances method.
type RPCSource struct {
	url    string
	client *http.Client
	nextID atomic.Uint64
}

// NewRPCSource talks to the node at url, e.g. http://127.0.0.1:7887/rpc.
func NewRPCSource(url string, timeout time.Duration) *RPCSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCSource{url: url, client: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result *struct {
		Balances []struct {
			TokenID          string `json:"tokenID"`
			AvailableBalance string `json:"availableBalance"`
			LockedBalances   []struct {
				Module string `json:"module"`
				Amount string `json:"amount"`
			} `json:"lockedBalances"`
		} `json:"balances"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *RPCSource) Balances(ctx context.Context, address string) ([]Balance, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      s.nextID.Add(1),
		Method:  "token_getBalances",
		Params:  map[string]string{"address": address},
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "failed to encode rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "invalid node url", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, errs.Wrap(errs.ErrKindTimeout, "node request timed out", err)
		}
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "node unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.ErrKindQueryFailed, "node answered %s", resp.Status)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.ErrKindQueryFailed, "malformed rpc response", err)
	}
	if out.Error != nil {
		return nil, errs.Newf(errs.ErrKindQueryFailed, "token_getBalances: %s (%d)", out.Error.Message, out.Error.Code)
	}
	if out.Result == nil {
		return nil, errs.New(errs.ErrKindQueryFailed, "token_getBalances returned no result")
	}

	balances := make([]Balance, 0, len(out.Result.Balances))
	for _, b := range out.Result.Balances {
		avail, ok := new(big.Int).SetString(b.AvailableBalance, 10)
		if !ok {
			return nil, errs.Newf(errs.ErrKindQueryFailed, "token %s: bad available balance %q", b.TokenID, b.AvailableBalance)
		}
		bal := Balance{TokenID: b.TokenID, Available: avail}
		if len(b.LockedBalances) > 0 {
			bal.Locked = make(map[string]string, len(b.LockedBalances))
			for _, l := range b.LockedBalances {
				bal.Locked[l.Module] = l.Amount
			}
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

// String identifies the source in logs.
func (s *RPCSource) String() string { return fmt.Sprintf("rpc(%s)", s.url) }
