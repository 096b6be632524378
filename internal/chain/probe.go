package chain

import (
	"context"
	"math/big"
	"time"
)

// ProbeResult describes one endpoint's answer to a connectivity check.
type ProbeResult struct {
	URL     string
	OK      bool
	ChainID *big.Int
	Block   uint64
	Latency time.Duration
	Err     error
}

// Probe checks every endpoint in the pool independently, regardless of
// current health state. Used by the netcheck command.
func (p *Pool) Probe(ctx context.Context, timeout time.Duration) []ProbeResult {
	p.mu.Lock()
	eps := make([]*endpoint, len(p.endpoints))
	copy(eps, p.endpoints)
	p.mu.Unlock()

	results := make([]ProbeResult, 0, len(eps))
	for _, ep := range eps {
		res := ProbeResult{URL: ep.url}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		c, err := p.clientFor(ep)
		if err == nil {
			res.ChainID, err = c.ChainID(cctx)
		}
		if err == nil {
			res.Block, err = c.BlockNumber(cctx)
		}
		cancel()
		res.Latency = time.Since(start)
		if err != nil {
			res.Err = err
			p.markFailure(ep, err)
		} else {
			res.OK = true
			p.markSuccess(ep)
		}
		results = append(results, res)
	}
	return results
}
