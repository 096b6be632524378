package queue

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tokenops/walletsender/internal/txcore"
	"github.com/tokenops/walletsender/internal/wallet"
)

// Flow tags. Every job carries exactly one.
const (
	TagDistribution = "distribution"
	TagAutoBuy      = "autobuy"
	TagAutoSell     = "autosell"
	TagReward       = "reward"
)

// Router groups jobs by flow tag and applies pause/resume/cancel per tag.
// Cancellation uses generations: cancelling a tag drops the jobs submitted
// before the cancel, while later submissions run normally.
type Router struct {
	exec *Executor

	mu     sync.Mutex
	paused map[string]bool
	gen    map[string]uint64
}

// NewRouter wires a router as the executor's dispatch gate.
func NewRouter(exec *Executor) *Router {
	r := &Router{
		exec:   exec,
		paused: make(map[string]bool),
		gen:    make(map[string]uint64),
	}
	exec.SetGate(r.verdict)
	return r
}

func (r *Router) verdict(j *Job) Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.gen < r.gen[j.Tag] {
		return Drop
	}
	if r.paused[j.Tag] {
		return Hold
	}
	return Proceed
}

// Submit enqueues one intent under a tag.
func (r *Router) Submit(tag string, acct *wallet.Account, in txcore.Intent) (string, error) {
	r.mu.Lock()
	gen := r.gen[tag]
	r.mu.Unlock()
	return r.exec.submit(tag, acct, in, gen)
}

// Pause holds a tag's jobs at dispatch. Running jobs finish their attempt.
func (r *Router) Pause(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[tag] = true
}

// Resume releases a paused tag.
func (r *Router) Resume(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, tag)
}

// Cancel drops every job submitted under tag so far. Jobs already past their
// last safe checkpoint complete their broadcast.
func (r *Router) Cancel(tag string) {
	r.mu.Lock()
	r.gen[tag]++
	r.mu.Unlock()
	// Flag running jobs so their next checkpoint stops them.
	for _, s := range r.exec.Jobs() {
		if s.Tag == tag && !s.State.terminal() {
			r.exec.Cancel(s.ID)
		}
	}
}

// Distribute fans one transfer per recipient into the distribution flow.
// Recipients and amounts are matched by index.
func (r *Router) Distribute(acct *wallet.Account, token common.Address, recipients []common.Address, amounts []*big.Int) ([]string, error) {
	if len(recipients) != len(amounts) {
		return nil, errors.New("recipients and amounts length mismatch")
	}
	ids := make([]string, 0, len(recipients))
	for i, to := range recipients {
		id, err := r.Submit(TagDistribution, acct, txcore.Intent{
			Kind:      txcore.KindTransfer,
			Token:     token,
			Recipient: to,
			Amount:    amounts[i],
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AutoBuy queues a native-to-token swap.
func (r *Router) AutoBuy(acct *wallet.Account, token common.Address, amountIn, minOut *big.Int) (string, error) {
	return r.Submit(TagAutoBuy, acct, txcore.Intent{
		Kind:   txcore.KindSwapBuy,
		Token:  token,
		Amount: amountIn,
		MinOut: minOut,
	})
}

// AutoSell queues a token-to-native swap. When the router allowance does not
// cover amountIn the caller queues an approve first; see SellWithApproval.
func (r *Router) AutoSell(acct *wallet.Account, token common.Address, amountIn, minOut *big.Int) (string, error) {
	return r.Submit(TagAutoSell, acct, txcore.Intent{
		Kind:   txcore.KindSwapSell,
		Token:  token,
		Amount: amountIn,
		MinOut: minOut,
	})
}

// SellWithApproval queues an allowance grant followed by the sell itself.
// Both ride the autosell tag, so pausing or cancelling the flow treats them
// as one unit.
func (r *Router) SellWithApproval(acct *wallet.Account, token common.Address, amountIn, minOut *big.Int) (approveID, sellID string, err error) {
	approveID, err = r.Submit(TagAutoSell, acct, txcore.Intent{
		Kind:   txcore.KindApprove,
		Token:  token,
		Amount: amountIn,
	})
	if err != nil {
		return "", "", err
	}
	sellID, err = r.AutoSell(acct, token, amountIn, minOut)
	if err != nil {
		return approveID, "", err
	}
	return approveID, sellID, nil
}

// Reward queues a reward payout.
func (r *Router) Reward(acct *wallet.Account, token common.Address, recipient common.Address, amount *big.Int) (string, error) {
	return r.Submit(TagReward, acct, txcore.Intent{
		Kind:      txcore.KindReward,
		Token:     token,
		Recipient: recipient,
		Amount:    amount,
	})
}
