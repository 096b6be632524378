package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// ErrAllEndpointsUnavailable is returned after every endpoint in the pool has
// been tried for a single call and none of them answered.
var ErrAllEndpointsUnavailable = errors.New("all endpoints unavailable")

// Backend is the chain-access surface the rest of the core depends on.
// *Pool implements it by failing over between physical endpoints; tests
// implement it directly.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Client is the per-endpoint surface. *ethclient.Client satisfies it.
type Client interface {
	Backend
	Close()
}

// Health of a single endpoint.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unreachable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unreachable"
	}
}

type endpoint struct {
	url         string
	client      Client
	health      Health
	failures    int
	lastSuccess time.Time
	coolUntil   time.Time
}

// Pool presents one logical chain backend over several physical endpoints,
// in priority order with transparent failover.
type Pool struct {
	dial     func(url string) (Client, error)
	cooldown time.Duration
	log      *logrus.Entry

	mu        sync.Mutex
	endpoints []*endpoint
	preferred int
}

// Options tune failover behaviour. Zero values take defaults.
type Options struct {
	// Cooldown is how long a failed endpoint is deprioritized before it is
	// probed again. Outages are usually transient, so it stays short.
	Cooldown time.Duration
	Log      *logrus.Entry
}

// NewPool builds a pool over the given endpoint URLs, most preferred first.
func NewPool(urls []string, opts Options) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.New("no endpoints configured")
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		dial: func(u string) (Client, error) {
			return ethclient.Dial(u)
		},
		cooldown: opts.Cooldown,
		log:      opts.Log.WithField("component", "chain.pool"),
	}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		p.endpoints = append(p.endpoints, &endpoint{url: u, health: Healthy})
	}
	if len(p.endpoints) == 0 {
		return nil, errors.New("no endpoints configured")
	}
	return p, nil
}

// newPoolWithDialer is the test seam.
func newPoolWithDialer(urls []string, dial func(string) (Client, error), opts Options) (*Pool, error) {
	p, err := NewPool(urls, opts)
	if err != nil {
		return nil, err
	}
	p.dial = dial
	return p, nil
}

// Close releases all dialed connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
	}
}

// candidates returns the try order for one call: preferred endpoint first,
// wrapping around, with endpoints still in cooldown moved to the back so
// every endpoint is tried before the pool gives up.
func (p *Pool) candidates() []*endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var front, back []*endpoint
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.preferred+i)%n]
		if ep.health != Healthy && now.Before(ep.coolUntil) {
			back = append(back, ep)
			continue
		}
		front = append(front, ep)
	}
	return append(front, back...)
}

func (p *Pool) markSuccess(ep *endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.health = Healthy
	ep.failures = 0
	ep.lastSuccess = time.Now()
	for i, e := range p.endpoints {
		if e == ep {
			p.preferred = i
			break
		}
	}
}

func (p *Pool) markFailure(ep *endpoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.failures++
	if ep.failures >= 3 {
		ep.health = Unreachable
	} else {
		ep.health = Degraded
	}
	ep.coolUntil = time.Now().Add(p.cooldown)
	p.log.WithFields(logrus.Fields{
		"endpoint": ep.url,
		"health":   ep.health.String(),
		"failures": ep.failures,
	}).WithError(err).Warn("endpoint failed, failing over")
}

func (p *Pool) clientFor(ep *endpoint) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep.client != nil {
		return ep.client, nil
	}
	c, err := p.dial(ep.url)
	if err != nil {
		return nil, err
	}
	ep.client = c
	return c, nil
}

// call runs fn against the first endpoint that answers. Transport-level
// failures advance to the next endpoint; application-level errors (reverts,
// nonce rejections, not-found) are returned as-is since retrying them on
// another endpoint would yield the same answer.
func (p *Pool) call(ctx context.Context, op string, fn func(Client) error) error {
	var lastErr error
	for _, ep := range p.candidates() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := p.clientFor(ep)
		if err != nil {
			p.markFailure(ep, err)
			lastErr = err
			continue
		}
		err = fn(c)
		if err == nil {
			p.markSuccess(ep)
			return nil
		}
		if !isTransportError(err) {
			p.markSuccess(ep)
			return err
		}
		p.markFailure(ep, err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints tried")
	}
	return fmt.Errorf("%s: %w: %w", op, ErrAllEndpointsUnavailable, lastErr)
}

// isTransportError reports whether err indicates the endpoint itself is in
// trouble, rather than the request being rejected on its merits.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"eof",
		"too many requests",
		"-32005", // rate limited
		"502", "503", "504",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// ---------- Backend implementation ----------

func (p *Pool) ChainID(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := p.call(ctx, "eth_chainId", func(c Client) error {
		v, err := c.ChainID(ctx)
		out = v
		return err
	})
	return out, err
}

func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.call(ctx, "eth_blockNumber", func(c Client) error {
		v, err := c.BlockNumber(ctx)
		out = v
		return err
	})
	return out, err
}

func (p *Pool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := p.call(ctx, "eth_getTransactionCount(pending)", func(c Client) error {
		v, err := c.PendingNonceAt(ctx, account)
		out = v
		return err
	})
	return out, err
}

func (p *Pool) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	var out uint64
	err := p.call(ctx, "eth_getTransactionCount", func(c Client) error {
		v, err := c.NonceAt(ctx, account, blockNumber)
		out = v
		return err
	})
	return out, err
}

func (p *Pool) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := p.call(ctx, "eth_gasPrice", func(c Client) error {
		v, err := c.SuggestGasPrice(ctx)
		out = v
		return err
	})
	return out, err
}

func (p *Pool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := p.call(ctx, "eth_estimateGas", func(c Client) error {
		v, err := c.EstimateGas(ctx, msg)
		out = v
		return err
	})
	return out, err
}

func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.call(ctx, "eth_call", func(c Client) error {
		v, err := c.CallContract(ctx, msg, blockNumber)
		out = v
		return err
	})
	return out, err
}

func (p *Pool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.call(ctx, "eth_sendRawTransaction", func(c Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

func (p *Pool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := p.call(ctx, "eth_getTransactionReceipt", func(c Client) error {
		v, err := c.TransactionReceipt(ctx, txHash)
		out = v
		return err
	})
	return out, err
}

func (p *Pool) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var (
		outTx      *types.Transaction
		outPending bool
	)
	err := p.call(ctx, "eth_getTransactionByHash", func(c Client) error {
		tx, pending, err := c.TransactionByHash(ctx, hash)
		outTx, outPending = tx, pending
		return err
	})
	return outTx, outPending, err
}
