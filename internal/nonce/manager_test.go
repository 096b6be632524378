package nonce

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	pending uint64
	latest  uint64
	pendErr error
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.pendErr
}

func (f *fakeBackend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeBackend) set(latest, pending uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest, f.pending = latest, pending
}

var acct = common.HexToAddress("0x00000000000000000000000000000000000000A1")

func newTestManager(t *testing.T, b Backend, cfg Config) *Manager {
	t.Helper()
	m := NewManager(b, cfg)
	t.Cleanup(m.Close)
	return m
}

func TestReserveAnchorsToNetworkPending(t *testing.T) {
	m := newTestManager(t, &fakeBackend{pending: 5, latest: 5}, Config{})

	tk, err := m.Reserve(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, uint64(5), tk.Nonce)
}

func TestConcurrentReservationsAreDistinctAndContiguous(t *testing.T) {
	m := newTestManager(t, &fakeBackend{pending: 5, latest: 5}, Config{})

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = map[uint64]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := m.Reserve(context.Background(), acct)
			require.NoError(t, err)
			mu.Lock()
			nonces[tk.Nonce] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, nonces, n)
	for i := uint64(5); i < 5+n; i++ {
		require.True(t, nonces[i], "missing nonce %d", i)
	}
}

func TestExternalTransactionsAdvanceSequence(t *testing.T) {
	b := &fakeBackend{pending: 3, latest: 3}
	m := newTestManager(t, b, Config{})

	tk, err := m.Reserve(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, uint64(3), tk.Nonce)
	require.NoError(t, m.Submitted(context.Background(), tk, common.HexToHash("0x01")))
	require.NoError(t, m.Confirm(context.Background(), tk))

	// Another wallet pushes the account's pending count past our local next.
	b.set(9, 9)
	tk2, err := m.Reserve(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, uint64(9), tk2.Nonce)
}

func TestReleaseReclaimsTail(t *testing.T) {
	m := newTestManager(t, &fakeBackend{pending: 5, latest: 5}, Config{})
	ctx := context.Background()

	tk, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, tk))

	tk2, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, tk.Nonce, tk2.Nonce)
}

func TestReleaseMiddleLeavesGapUntouched(t *testing.T) {
	m := newTestManager(t, &fakeBackend{pending: 0, latest: 0}, Config{})
	ctx := context.Background()

	t0, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	t1, err := m.Reserve(ctx, acct)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, t0))

	// t1 is still live at nonce 1, so the next reservation must not reuse it.
	t2, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, uint64(2), t2.Nonce)
	_ = t1
}

func TestTerminalTicketCannotBeResolvedTwice(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, Config{})
	ctx := context.Background()

	tk, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	require.NoError(t, m.Confirm(ctx, tk))
	require.ErrorIs(t, m.Confirm(ctx, tk), ErrTicketResolved)
	require.ErrorIs(t, m.Release(ctx, tk), ErrTicketResolved)
}

func TestNonceConflictTriggersResync(t *testing.T) {
	b := &fakeBackend{pending: 2, latest: 2}
	m := newTestManager(t, b, Config{})
	ctx := context.Background()

	tk, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, uint64(2), tk.Nonce)

	// The node reports the nonce already used; the network is actually at 7.
	b.set(6, 7)
	require.NoError(t, m.Fail(ctx, tk, errors.New("nonce too low")))

	tk2, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, uint64(7), tk2.Nonce)
}

func TestMaxPendingCap(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, Config{MaxPending: 2})
	ctx := context.Background()

	_, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	_, err = m.Reserve(ctx, acct)
	require.NoError(t, err)
	_, err = m.Reserve(ctx, acct)
	require.ErrorIs(t, err, ErrTooManyPending)
}

func TestReserveBoundedWait(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, Config{ReserveWait: 20 * time.Millisecond})
	st := m.state(acct)

	// Hold the account slot so Reserve cannot enter.
	st.slot <- struct{}{}
	defer st.release()

	_, err := m.Reserve(context.Background(), acct)
	require.ErrorIs(t, err, ErrNonceUnavailable)
}

func TestSweepReleasesAbandonedReservations(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, Config{Grace: 30 * time.Millisecond})
	ctx := context.Background()

	tk, err := m.Reserve(ctx, acct)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	m.sweep()

	stats := m.Stats()
	require.Equal(t, uint64(1), stats.Released)
	require.Empty(t, stats.Accounts[0].Live)
	require.ErrorIs(t, m.Release(ctx, tk), ErrTicketResolved)
}

func TestSweepKeepsSubmittedTickets(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, Config{Grace: 10 * time.Millisecond})
	ctx := context.Background()

	tk, err := m.Reserve(ctx, acct)
	require.NoError(t, err)
	require.NoError(t, m.Submitted(ctx, tk, common.HexToHash("0x02")))

	time.Sleep(25 * time.Millisecond)
	m.sweep()

	stats := m.Stats()
	require.Len(t, stats.Accounts[0].Live, 1)
	require.Equal(t, Submitted, stats.Accounts[0].Live[0].State)
}

func TestIsNonceConflict(t *testing.T) {
	require.True(t, IsNonceConflict(errors.New("nonce too low")))
	require.True(t, IsNonceConflict(errors.New("already known")))
	require.True(t, IsNonceConflict(errors.New("replacement transaction underpriced")))
	require.False(t, IsNonceConflict(errors.New("insufficient funds for gas * price + value")))
	require.False(t, IsNonceConflict(nil))
}
