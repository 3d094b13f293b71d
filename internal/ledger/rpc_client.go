package ledger

import (
	"WardProtocol/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RPCConfig tunes the JSON-RPC client.
type RPCConfig struct {
	Endpoint        string
	Timeout         time.Duration // per call
	RequestsPerSec  float64
	Burst           int
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	PageLimit       int
}

// DefaultRPCConfig returns production defaults for endpoint.
func DefaultRPCConfig(endpoint string) RPCConfig {
	return RPCConfig{
		Endpoint:        endpoint,
		Timeout:         5 * time.Second,
		RequestsPerSec:  20,
		Burst:           20,
		MaxRetries:      4,
		RetryBackoff:    250 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		PageLimit:       200,
	}
}

// RPCClient implements StateReader over a ledger node's JSON-RPC endpoint.
// Calls are rate limited, wrapped in a circuit breaker and retried with
// exponential backoff on transient failures.
type RPCClient struct {
	cfg     RPCConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *observability.Metrics
}

var _ StateReader = (*RPCClient)(nil)

func NewRPCClient(cfg RPCConfig, httpClient *http.Client, logger zerolog.Logger, metrics *observability.Metrics) *RPCClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 200
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	st := gobreaker.Settings{
		Name:    "ledger-rpc",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Negative answers from a healthy node do not count against it.
			var rpcErr *RPCError
			return err == nil || errors.Is(err, ErrNotFound) || (errors.As(err, &rpcErr) && !rpcErr.Temporary())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	return &RPCClient{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		logger:  logger,
		metrics: metrics,
	}
}

// Loan fetches a loan object as of atSeq.
func (c *RPCClient) Loan(ctx context.Context, id string, atSeq int64) (LoanRecord, error) {
	var node loanNode
	seq, err := c.ledgerEntry(ctx, id, atSeq, &node)
	if err != nil {
		return LoanRecord{}, fmt.Errorf("loan %s: %w", id, err)
	}
	return node.record(id, seq), nil
}

// Broker fetches a loan broker as of atSeq and validates its cover invariant.
func (c *RPCClient) Broker(ctx context.Context, id string, atSeq int64) (BrokerRecord, error) {
	var node brokerNode
	seq, err := c.ledgerEntry(ctx, id, atSeq, &node)
	if err != nil {
		return BrokerRecord{}, fmt.Errorf("broker %s: %w", id, err)
	}
	rec := node.record(id, seq)
	if err := rec.Validate(); err != nil {
		return BrokerRecord{}, err
	}
	return rec, nil
}

// Vault fetches a vault as of atSeq.
func (c *RPCClient) Vault(ctx context.Context, id string, atSeq int64) (VaultRecord, error) {
	var node vaultNode
	seq, err := c.ledgerEntry(ctx, id, atSeq, &node)
	if err != nil {
		return VaultRecord{}, fmt.Errorf("vault %s: %w", id, err)
	}
	rec := node.record(id, seq)
	if err := rec.Validate(); err != nil {
		return VaultRecord{}, err
	}
	return rec, nil
}

// Transaction resolves a transaction by hash.
func (c *RPCClient) Transaction(ctx context.Context, hash string) (Transaction, error) {
	var res txResult
	if err := c.call(ctx, "tx", map[string]interface{}{"transaction": hash}, &res); err != nil {
		return Transaction{}, fmt.Errorf("tx %s: %w", hash, err)
	}
	return res.TxJSON.ToTransaction(res.Meta, res.Validated)
}

// AccountTransactions returns validated transactions touching account in
// the inclusive range [fromSeq, toSeq], ordered by (sequence, tx index).
func (c *RPCClient) AccountTransactions(ctx context.Context, account string, fromSeq, toSeq int64) ([]Transaction, error) {
	var (
		out    []Transaction
		marker json.RawMessage
	)
	for {
		params := map[string]interface{}{
			"account":          account,
			"ledger_index_min": fromSeq,
			"ledger_index_max": toSeq,
			"forward":          true,
			"limit":            c.cfg.PageLimit,
		}
		if len(marker) > 0 {
			params["marker"] = marker
		}

		var res accountTxResult
		if err := c.call(ctx, "account_tx", params, &res); err != nil {
			return nil, fmt.Errorf("account_tx %s [%d,%d]: %w", account, fromSeq, toSeq, err)
		}
		for _, entry := range res.Transactions {
			if !entry.Validated {
				continue
			}
			tx, err := entry.Tx.ToTransaction(entry.Meta, entry.Validated)
			if err != nil {
				return nil, err
			}
			out = append(out, tx)
		}
		if len(res.Marker) == 0 || string(res.Marker) == "null" {
			break
		}
		marker = res.Marker
	}
	SortTransactions(out)
	return out, nil
}

// LatestSequence returns the latest validated ledger sequence.
func (c *RPCClient) LatestSequence(ctx context.Context) (int64, error) {
	var res ledgerResult
	if err := c.call(ctx, "ledger", map[string]interface{}{"ledger_index": "validated"}, &res); err != nil {
		return 0, fmt.Errorf("latest ledger: %w", err)
	}
	return res.LedgerIndex, nil
}

func (c *RPCClient) ledgerEntry(ctx context.Context, id string, atSeq int64, node interface{}) (int64, error) {
	params := map[string]interface{}{"index": id}
	if atSeq > 0 {
		params["ledger_index"] = atSeq
	} else {
		params["ledger_index"] = "validated"
	}

	var res ledgerEntryResult
	if err := c.call(ctx, "ledger_entry", params, &res); err != nil {
		return 0, err
	}
	if len(res.Node) == 0 {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal(res.Node, node); err != nil {
		return 0, fmt.Errorf("%w: decode node: %v", ErrInvalidRecord, err)
	}
	return res.LedgerIndex, nil
}

// call performs method with retry and backoff. Not-found and permanent RPC
// errors return immediately.
func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	backoff := c.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug().Str("method", method).Int("attempt", attempt).
				Dur("backoff", backoff).Err(lastErr).Msg("retrying ledger query")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		err := c.do(ctx, method, params, out)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s: retries exhausted: %w", method, lastErr)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidRecord) || errors.Is(err, gobreaker.ErrOpenState) {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Temporary()
	}
	return true
}

func (c *RPCClient) do(ctx context.Context, method string, params interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return nil, c.roundTrip(callCtx, method, params, out)
	})

	if c.metrics != nil {
		c.metrics.LedgerQueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.metrics.LedgerQueryErrors.WithLabelValues(method, errorKind(err)).Inc()
		}
	}
	return err
}

func (c *RPCClient) roundTrip(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []interface{}{params}})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode %s envelope: %w", method, err)
	}

	var status rpcStatus
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("decode %s status: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		if isNotFoundCode(status.Error) {
			return ErrNotFound
		}
		return &RPCError{Method: method, Code: status.Error, Message: status.ErrorMessage}
	}

	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func errorKind(err error) string {
	var rpcErr *RPCError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &rpcErr):
		return "rpc_" + rpcErr.Code
	default:
		return "transport"
	}
}
