// Package explorer talks to an Etherscan-compatible indexer: account history,
// token balances, and gas price, behind API-key rotation and rate limiting.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ErrExplorerUnavailable is returned when every key and retry is exhausted.
var ErrExplorerUnavailable = errors.New("explorer unavailable")

const (
	maxKeyFailures = 3
	keyCooldown    = 60 * time.Second
)

type keySlot struct {
	key       string
	failures  int
	coolUntil time.Time
}

// Config wires a Client.
type Config struct {
	// BaseURL of the API, e.g. https://api.etherscan.io/v2/api.
	BaseURL string
	// ChainID travels as the chainid query parameter.
	ChainID int64
	// Keys rotate round-robin; a key with a failure streak cools down.
	// Empty means unauthenticated requests.
	Keys []string
	// MaxRetries per logical request. Zero means 3.
	MaxRetries int
	// RetryBase is the first backoff; it doubles per retry. Zero means 500ms.
	RetryBase time.Duration
	Limiter   *Limiter
	HTTP      *http.Client
	Log       *logrus.Entry
}

// Client is a rate-limited, key-rotating explorer API client.
type Client struct {
	baseURL    string
	chainID    int64
	maxRetries int
	retryBase  time.Duration
	limiter    *Limiter
	httpc      *http.Client
	log        *logrus.Entry

	mu    sync.Mutex
	slots []*keySlot
	rr    int
}

// NewClient builds a client. BaseURL is required.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("explorer base URL required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 12 * time.Second}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		chainID:    cfg.ChainID,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		limiter:    cfg.Limiter,
		httpc:      cfg.HTTP,
		log:        cfg.Log.WithField("component", "explorer"),
	}
	for _, k := range cfg.Keys {
		k = strings.TrimSpace(k)
		if k != "" {
			c.slots = append(c.slots, &keySlot{key: k})
		}
	}
	if len(c.slots) == 0 {
		c.slots = []*keySlot{{}}
	}
	return c, nil
}

// pickKey returns the next usable key, round-robin, skipping keys in
// cooldown. With every key cooling, the least-recently-benched one is used
// anyway rather than refusing outright.
func (c *Client) pickKey() *keySlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := len(c.slots)
	var coolest *keySlot
	for i := 0; i < n; i++ {
		s := c.slots[(c.rr+i)%n]
		if now.After(s.coolUntil) {
			c.rr = (c.rr + i + 1) % n
			return s
		}
		if coolest == nil || s.coolUntil.Before(coolest.coolUntil) {
			coolest = s
		}
	}
	return coolest
}

func (c *Client) markFailure(s *keySlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.failures++
	if s.failures >= maxKeyFailures {
		s.failures = 0
		s.coolUntil = time.Now().Add(keyCooldown)
	}
}

func (c *Client) markSuccess(s *keySlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.failures = 0
}

type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func isThrottleMessage(env apiEnvelope) bool {
	s := strings.ToLower(env.Message + " " + strings.Trim(string(env.Result), `"`))
	return strings.Contains(s, "rate limit") || strings.Contains(s, "max rate") ||
		strings.Contains(s, "too many")
}

// get performs one logical API request: rotate keys, respect rate budgets,
// retry throttles and server errors with doubling backoff.
func (c *Client) get(ctx context.Context, params url.Values) (json.RawMessage, error) {
	if c.chainID != 0 {
		params.Set("chainid", fmt.Sprintf("%d", c.chainID))
	}
	var lastErr error
	backoff := c.retryBase
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		slot := c.pickKey()
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx, slot.key); err != nil {
				lastErr = err
				continue
			}
		}

		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		if slot.key != "" {
			q.Set("apikey", slot.key)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			c.markFailure(slot)
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			c.markFailure(slot)
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.markFailure(slot)
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("explorer: http %d: %s", resp.StatusCode, body)
		}

		var env apiEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			c.markFailure(slot)
			lastErr = fmt.Errorf("decode response: %w", err)
			continue
		}
		// Proxy-module responses carry no status field.
		if env.Status == "" && len(env.Result) > 0 {
			c.markSuccess(slot)
			return env.Result, nil
		}
		if env.Status != "1" {
			if isThrottleMessage(env) {
				c.markFailure(slot)
				lastErr = fmt.Errorf("throttled: %s", env.Message)
				continue
			}
			// "No transactions found" and friends: a valid empty answer.
			if strings.EqualFold(env.Message, "No transactions found") {
				c.markSuccess(slot)
				return env.Result, nil
			}
			return nil, fmt.Errorf("explorer: %s: %s", env.Message, env.Result)
		}
		c.markSuccess(slot)
		return env.Result, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrExplorerUnavailable, lastErr)
}

// ---------- Typed accessors ----------

// TokenTransfer is one ERC-20 transfer event from the account history.
type TokenTransfer struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	GasUsed         string `json:"gasUsed"`
	GasPrice        string `json:"gasPrice"`
}

// TokenTransfers lists ERC-20 transfers touching address, newest first. A
// zero contract address means all tokens.
func (c *Client) TokenTransfers(ctx context.Context, address, contract common.Address, page, pageSize int) ([]TokenTransfer, error) {
	params := url.Values{
		"module":  {"account"},
		"action":  {"tokentx"},
		"address": {address.Hex()},
		"page":    {fmt.Sprintf("%d", page)},
		"offset":  {fmt.Sprintf("%d", pageSize)},
		"sort":    {"desc"},
	}
	if contract != (common.Address{}) {
		params.Set("contractaddress", contract.Hex())
	}
	raw, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	var out []TokenTransfer
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode token transfers: %w", err)
	}
	return out, nil
}

// Transaction is one entry from the normal transaction list.
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Nonce       string `json:"nonce"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	GasUsed     string `json:"gasUsed"`
	GasPrice    string `json:"gasPrice"`
	IsError     string `json:"isError"`
}

// Transactions lists normal transactions for address, newest first.
func (c *Client) Transactions(ctx context.Context, address common.Address, page, pageSize int) ([]Transaction, error) {
	raw, err := c.get(ctx, url.Values{
		"module":  {"account"},
		"action":  {"txlist"},
		"address": {address.Hex()},
		"page":    {fmt.Sprintf("%d", page)},
		"offset":  {fmt.Sprintf("%d", pageSize)},
		"sort":    {"desc"},
	})
	if err != nil {
		return nil, err
	}
	var out []Transaction
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	return out, nil
}

func (c *Client) bigResult(ctx context.Context, params url.Values) (*big.Int, error) {
	raw, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode numeric result: %w", err)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bad numeric result %q", s)
	}
	return v, nil
}

// TokenBalance reads an ERC-20 balance through the explorer.
func (c *Client) TokenBalance(ctx context.Context, contract, address common.Address) (*big.Int, error) {
	return c.bigResult(ctx, url.Values{
		"module":          {"account"},
		"action":          {"tokenbalance"},
		"contractaddress": {contract.Hex()},
		"address":         {address.Hex()},
		"tag":             {"latest"},
	})
}

// NativeBalance reads the coin balance through the explorer.
func (c *Client) NativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.bigResult(ctx, url.Values{
		"module":  {"account"},
		"action":  {"balance"},
		"address": {address.Hex()},
		"tag":     {"latest"},
	})
}

// TokenInfo is explorer metadata about an ERC-20 contract.
type TokenInfo struct {
	ContractAddress string `json:"contractAddress"`
	TokenName       string `json:"tokenName"`
	Symbol          string `json:"symbol"`
	Divisor         string `json:"divisor"`
	TokenType       string `json:"tokenType"`
	TotalSupply     string `json:"totalSupply"`
}

// Token reads metadata for an ERC-20 contract.
func (c *Client) Token(ctx context.Context, contract common.Address) (*TokenInfo, error) {
	raw, err := c.get(ctx, url.Values{
		"module":          {"token"},
		"action":          {"tokeninfo"},
		"contractaddress": {contract.Hex()},
	})
	if err != nil {
		return nil, err
	}
	var out []TokenInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode token info: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no token info for %s", contract.Hex())
	}
	return &out[0], nil
}

// GasPrice reads the node gas price through the explorer's proxy module.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	raw, err := c.get(ctx, url.Values{
		"module": {"proxy"},
		"action": {"eth_gasPrice"},
	})
	if err != nil {
		return nil, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode gas price: %w", err)
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("bad gas price %q", s)
	}
	return v, nil
}
