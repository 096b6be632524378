package queue

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tokenops/walletsender/internal/nonce"
	"github.com/tokenops/walletsender/internal/txcore"
	"github.com/tokenops/walletsender/internal/wallet"
)

// ---------- fakes ----------

type fakeChain struct {
	mu      sync.Mutex
	pending uint64
	latest  uint64
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeChain) NonceAt(ctx context.Context, a common.Address, b *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeChain) set(latest, pending uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest, f.pending = latest, pending
}

type fakeSubmitter struct {
	mu        sync.Mutex
	broadcast []uint64 // nonces in broadcast order
	buildErrs []error  // consumed one per BuildAndSign call
	sendErrs  []error  // consumed one per Broadcast call
	outcome   *txcore.Outcome
	builds    int
	sends     int
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeSubmitter) BuildAndSign(ctx context.Context, acct *wallet.Account, in txcore.Intent, n uint64) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if err := pop(&f.buildErrs); err != nil {
		return nil, err
	}
	to := common.HexToAddress("0x0000000000000000000000000000000000000011")
	return types.NewTx(&types.LegacyTx{
		Nonce:    n,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       &to,
		Value:    in.Amount,
	}), nil
}

func (f *fakeSubmitter) Broadcast(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if err := pop(&f.sendErrs); err != nil {
		return common.Hash{}, err
	}
	f.broadcast = append(f.broadcast, tx.Nonce())
	return tx.Hash(), nil
}

func (f *fakeSubmitter) AwaitConfirmation(ctx context.Context, hash common.Hash) (txcore.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcome != nil {
		return *f.outcome, nil
	}
	return txcore.Outcome{
		Status: txcore.StatusConfirmed,
		Receipt: &types.Receipt{
			Status:            types.ReceiptStatusSuccessful,
			GasUsed:           21000,
			EffectiveGasPrice: big.NewInt(1),
		},
	}, nil
}

func (f *fakeSubmitter) nonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.broadcast))
	copy(out, f.broadcast)
	return out
}

func (f *fakeSubmitter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// ---------- harness ----------

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type harness struct {
	chain *fakeChain
	sub   *fakeSubmitter
	mgr   *nonce.Manager
	exec  *Executor
	rec   *MemoryRecorder
}

func newHarness(t *testing.T, chain *fakeChain, sub *fakeSubmitter, cfg Config) *harness {
	t.Helper()
	cfg.Log = quietLog()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 5 * time.Millisecond
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 20 * time.Millisecond
	}
	mgr := nonce.NewManager(chain, nonce.Config{Log: quietLog()})
	t.Cleanup(mgr.Close)
	exec := NewExecutor(mgr, sub, cfg)
	t.Cleanup(exec.Stop)
	rec := NewMemoryRecorder(128)
	exec.SetRecorder(rec)
	return &harness{chain: chain, sub: sub, mgr: mgr, exec: exec, rec: rec}
}

func testAcct(t *testing.T) *wallet.Account {
	t.Helper()
	a, err := wallet.FromHexKey("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	return a
}

func transferIntent() txcore.Intent {
	return txcore.Intent{
		Kind:      txcore.KindTransfer,
		Recipient: common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		Amount:    big.NewInt(1),
	}
}

func (h *harness) waitTerminal(t *testing.T, id string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, ok := h.exec.Job(id)
		if !ok {
			return false
		}
		snap = s
		return s.State == StateSucceeded || s.State == StateFailed || s.State == StateCancelled
	}, 2*time.Second, 2*time.Millisecond)
	return snap
}

// ---------- tests ----------

func TestConcurrentJobsBroadcastContiguousNonces(t *testing.T) {
	h := newHarness(t, &fakeChain{latest: 5, pending: 5}, &fakeSubmitter{}, Config{Workers: 3})
	acct := testAcct(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.exec.Submit(TagDistribution, acct, transferIntent())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		snap := h.waitTerminal(t, id)
		require.Equal(t, StateSucceeded, snap.State)
	}

	got := map[uint64]bool{}
	for _, n := range h.sub.nonces() {
		got[n] = true
	}
	require.Equal(t, map[uint64]bool{5: true, 6: true, 7: true}, got)
}

func TestBuildErrorIsTerminalAndReleasesNonce(t *testing.T) {
	sub := &fakeSubmitter{buildErrs: []error{
		&txcore.BuildError{Stage: "gas estimate", Err: errors.New("execution reverted")},
	}}
	h := newHarness(t, &fakeChain{latest: 5, pending: 5}, sub, Config{Workers: 1})
	acct := testAcct(t)

	id, err := h.exec.Submit(TagAutoBuy, acct, transferIntent())
	require.NoError(t, err)
	snap := h.waitTerminal(t, id)
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, 1, snap.Attempts)

	// The released reservation is reusable: the next job gets nonce 5.
	id2, err := h.exec.Submit(TagAutoBuy, acct, transferIntent())
	require.NoError(t, err)
	snap2 := h.waitTerminal(t, id2)
	require.Equal(t, StateSucceeded, snap2.State)
	require.Equal(t, []uint64{5}, h.sub.nonces())
}

func TestRecoverableBroadcastErrorRetries(t *testing.T) {
	sub := &fakeSubmitter{sendErrs: []error{errors.New("txpool is full")}}
	h := newHarness(t, &fakeChain{}, sub, Config{Workers: 1})

	id, err := h.exec.Submit(TagDistribution, testAcct(t), transferIntent())
	require.NoError(t, err)
	snap := h.waitTerminal(t, id)
	require.Equal(t, StateSucceeded, snap.State)
	require.Equal(t, 2, h.sub.sendCount())
}

func TestRetriesExhaustedFailsJob(t *testing.T) {
	sub := &fakeSubmitter{sendErrs: []error{
		errors.New("txpool is full"),
		errors.New("txpool is full"),
		errors.New("txpool is full"),
	}}
	h := newHarness(t, &fakeChain{}, sub, Config{Workers: 1, MaxAttempts: 3})

	id, err := h.exec.Submit(TagDistribution, testAcct(t), transferIntent())
	require.NoError(t, err)
	snap := h.waitTerminal(t, id)
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, 3, snap.Attempts)
}

func TestNonceConflictResyncsBeforeRetry(t *testing.T) {
	chain := &fakeChain{latest: 2, pending: 2}
	sub := &fakeSubmitter{sendErrs: []error{errors.New("nonce too low")}}
	h := newHarness(t, chain, sub, Config{Workers: 1})

	// The network moved on without us: real next nonce is 9.
	chain.set(8, 9)

	id, err := h.exec.Submit(TagDistribution, testAcct(t), transferIntent())
	require.NoError(t, err)
	snap := h.waitTerminal(t, id)
	require.Equal(t, StateSucceeded, snap.State)
	require.Equal(t, []uint64{9}, h.sub.nonces())
}

func TestRevertedTransactionFailsWithoutRetry(t *testing.T) {
	sub := &fakeSubmitter{outcome: &txcore.Outcome{
		Status:  txcore.StatusReverted,
		Receipt: &types.Receipt{Status: types.ReceiptStatusFailed, GasUsed: 30000},
	}}
	h := newHarness(t, &fakeChain{}, sub, Config{Workers: 1})

	id, err := h.exec.Submit(TagAutoSell, testAcct(t), transferIntent())
	require.NoError(t, err)
	snap := h.waitTerminal(t, id)
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, 1, h.sub.sendCount())

	// The nonce was consumed on chain even though the call reverted.
	stats := h.mgr.Stats()
	require.Equal(t, uint64(1), stats.Confirmed)

	recs := h.rec.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "reverted", recs[0].Status)
}

func TestConfirmationTimeoutIsPendingSuccess(t *testing.T) {
	sub := &fakeSubmitter{outcome: &txcore.Outcome{Status: txcore.StatusPending}}
	h := newHarness(t, &fakeChain{}, sub, Config{Workers: 1})

	id, err := h.exec.Submit(TagDistribution, testAcct(t), transferIntent())
	require.NoError(t, err)
	snap := h.waitTerminal(t, id)
	require.Equal(t, StateSucceeded, snap.State)

	recs := h.rec.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "pending", recs[0].Status)

	// The ticket stays submitted so the nonce cannot be reused while the
	// transaction can still land.
	stats := h.mgr.Stats()
	require.Len(t, stats.Accounts, 1)
	require.Len(t, stats.Accounts[0].Live, 1)
}

func TestPauseHoldsDispatch(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})
	h.exec.Pause()

	id, err := h.exec.Submit(TagDistribution, testAcct(t), transferIntent())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	snap, ok := h.exec.Job(id)
	require.True(t, ok)
	require.Equal(t, StatePending, snap.State)

	h.exec.Resume()
	snap = h.waitTerminal(t, id)
	require.Equal(t, StateSucceeded, snap.State)
}

func TestCancelPendingJob(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})
	h.exec.Pause()

	id, err := h.exec.Submit(TagDistribution, testAcct(t), transferIntent())
	require.NoError(t, err)
	require.True(t, h.exec.Cancel(id))

	h.exec.Resume()
	snap := h.waitTerminal(t, id)
	require.Equal(t, StateCancelled, snap.State)
	require.Equal(t, 0, h.sub.sendCount())
}

func TestStopRefusesNewWork(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})
	h.exec.Stop()

	_, err := h.exec.Submit(TagDistribution, testAcct(t), transferIntent())
	require.ErrorIs(t, err, ErrStopped)
}

func TestObserverSeesLifecycle(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})

	var mu sync.Mutex
	states := map[State]bool{}
	h.exec.Subscribe(func(u Update) {
		mu.Lock()
		states[u.State] = true
		mu.Unlock()
	})

	id, err := h.exec.Submit(TagDistribution, testAcct(t), transferIntent())
	require.NoError(t, err)
	h.waitTerminal(t, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return states[StatePending] && states[StateRunning] && states[StateSucceeded]
	}, time.Second, 2*time.Millisecond)
}
