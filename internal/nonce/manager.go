// Package nonce hands out transaction nonces as tickets. Concurrent jobs for
// the same account receive distinct, contiguous numbers; every reservation is
// resolved explicitly so the local sequence never drifts from the chain for
// long.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNonceUnavailable is returned when a reservation cannot be made
	// within the bounded wait.
	ErrNonceUnavailable = errors.New("nonce unavailable")
	// ErrTooManyPending is returned when an account already has the maximum
	// number of unresolved reservations outstanding.
	ErrTooManyPending = errors.New("too many pending reservations")
	// ErrTicketResolved is returned when a terminal ticket is resolved again.
	ErrTicketResolved = errors.New("ticket already resolved")
)

// Backend is the slice of chain access the manager needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Config tunes the manager. Zero values take defaults.
type Config struct {
	// ReserveWait bounds how long Reserve blocks for the per-account slot.
	ReserveWait time.Duration
	// Grace is how long a Reserved ticket may sit without being submitted
	// before the sweeper releases it.
	Grace time.Duration
	// MaxPending caps unresolved reservations per account.
	MaxPending int
	Log        *logrus.Entry
}

type accountState struct {
	slot    chan struct{} // capacity-1 semaphore
	next    uint64
	synced  bool
	tickets map[uint64]*Ticket // live reservations only
}

// Manager tracks nonce reservations for any number of accounts.
type Manager struct {
	backend Backend
	cfg     Config
	log     *logrus.Entry

	mu       sync.Mutex
	accounts map[common.Address]*accountState

	confirmed uint64
	failed    uint64
	released  uint64

	quit chan struct{}
	done chan struct{}
}

// NewManager starts a manager and its background sweeper. Call Close to stop.
func NewManager(backend Backend, cfg Config) *Manager {
	if cfg.ReserveWait <= 0 {
		cfg.ReserveWait = 5 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 60 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 16
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		backend:  backend,
		cfg:      cfg,
		log:      cfg.Log.WithField("component", "nonce"),
		accounts: make(map[common.Address]*accountState),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	close(m.quit)
	<-m.done
}

func (m *Manager) state(account common.Address) *accountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.accounts[account]
	if !ok {
		st = &accountState{
			slot:    make(chan struct{}, 1),
			tickets: make(map[uint64]*Ticket),
		}
		m.accounts[account] = st
	}
	return st
}

// acquire takes the per-account slot, waiting at most bound.
func (m *Manager) acquire(ctx context.Context, st *accountState, bound time.Duration) error {
	timer := time.NewTimer(bound)
	defer timer.Stop()
	select {
	case st.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: account busy after %s", ErrNonceUnavailable, bound)
	}
}

func (st *accountState) release() { <-st.slot }

// Reserve hands out the next nonce for account as a ticket. The sequence is
// anchored to max(local next, network pending count) so externally submitted
// transactions cannot cause a collision.
func (m *Manager) Reserve(ctx context.Context, account common.Address) (*Ticket, error) {
	st := m.state(account)
	if err := m.acquire(ctx, st, m.cfg.ReserveWait); err != nil {
		return nil, err
	}
	defer st.release()

	m.mu.Lock()
	outstanding := len(st.tickets)
	synced := st.synced
	m.mu.Unlock()
	if outstanding >= m.cfg.MaxPending {
		return nil, fmt.Errorf("%w: %d outstanding for %s",
			ErrTooManyPending, outstanding, account.Hex())
	}

	netPending, err := m.backend.PendingNonceAt(ctx, account)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		if netPending > st.next {
			st.next = netPending
		}
		st.synced = true
	case synced:
		// Network view unavailable; the local sequence is still coherent.
		m.log.WithField("account", account.Hex()).WithError(err).
			Warn("pending nonce fetch failed, using local sequence")
	default:
		return nil, fmt.Errorf("fetch pending nonce for %s: %w", account.Hex(), err)
	}

	t := newTicket(account, st.next)
	st.tickets[t.Nonce] = t
	st.next++
	m.log.WithFields(logrus.Fields{
		"account": account.Hex(),
		"nonce":   t.Nonce,
		"ticket":  t.ID,
	}).Debug("nonce reserved")
	return t, nil
}

// Submitted records that a transaction carrying the ticket's nonce was
// broadcast under hash.
func (m *Manager) Submitted(ctx context.Context, t *Ticket, hash common.Hash) error {
	return m.resolve(ctx, t, func(st *accountState) error {
		if t.state != Reserved {
			return fmt.Errorf("%w: %s is %s", ErrTicketResolved, t.ID, t.state)
		}
		t.state = Submitted
		t.txHash = hash
		return nil
	})
}

// Confirm marks the ticket's transaction as landed on chain. The nonce is
// consumed whether the transaction succeeded or reverted.
func (m *Manager) Confirm(ctx context.Context, t *Ticket) error {
	return m.resolve(ctx, t, func(st *accountState) error {
		if t.state.terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTicketResolved, t.ID, t.state)
		}
		t.state = Confirmed
		delete(st.tickets, t.Nonce)
		m.confirmed++
		return nil
	})
}

// Fail marks the ticket as failed. If the failure reason is a nonce conflict,
// the account sequence is resynced from the network before the slot is
// released, so subsequent reservations start from a correct anchor.
func (m *Manager) Fail(ctx context.Context, t *Ticket, cause error) error {
	st := m.state(t.Account)
	if err := m.acquire(ctx, st, m.cfg.ReserveWait); err != nil {
		return err
	}
	defer st.release()

	m.mu.Lock()
	if t.state.terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTicketResolved, t.ID, t.state)
	}
	wasReserved := t.state == Reserved
	t.state = Failed
	t.err = cause
	delete(st.tickets, t.Nonce)
	m.failed++
	if wasReserved {
		m.reclaimTail(st, t.Nonce)
	}
	m.mu.Unlock()

	if IsNonceConflict(cause) {
		if err := m.resyncWithSlot(ctx, t.Account, st); err != nil {
			m.log.WithField("account", t.Account.Hex()).WithError(err).
				Warn("resync after nonce conflict failed")
		}
	}
	return nil
}

// Release gives an unused reservation back. Only the tail of the sequence can
// be reclaimed; releasing a middle ticket leaves a gap that resolves when the
// surrounding tickets land.
func (m *Manager) Release(ctx context.Context, t *Ticket) error {
	return m.resolve(ctx, t, func(st *accountState) error {
		if t.state.terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTicketResolved, t.ID, t.state)
		}
		t.state = Released
		delete(st.tickets, t.Nonce)
		m.released++
		m.reclaimTail(st, t.Nonce)
		return nil
	})
}

// reclaimTail rolls next back when the released nonce was the most recent one
// handed out. Called with the account slot held.
func (m *Manager) reclaimTail(st *accountState, n uint64) {
	if st.next == n+1 {
		st.next = n
	}
}

func (m *Manager) resolve(ctx context.Context, t *Ticket, fn func(*accountState) error) error {
	st := m.state(t.Account)
	if err := m.acquire(ctx, st, m.cfg.ReserveWait); err != nil {
		return err
	}
	defer st.release()
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(st)
}

// Resync re-anchors the account sequence to max(latest, pending) as seen by
// the network, without stepping below live reservations.
func (m *Manager) Resync(ctx context.Context, account common.Address) error {
	st := m.state(account)
	if err := m.acquire(ctx, st, m.cfg.ReserveWait); err != nil {
		return err
	}
	defer st.release()
	return m.resyncWithSlot(ctx, account, st)
}

// resyncWithSlot requires the caller to hold the account slot.
func (m *Manager) resyncWithSlot(ctx context.Context, account common.Address, st *accountState) error {
	latest, err := m.backend.NonceAt(ctx, account, nil)
	if err != nil {
		return fmt.Errorf("fetch latest nonce: %w", err)
	}
	pending, err := m.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return fmt.Errorf("fetch pending nonce: %w", err)
	}
	anchor := latest
	if pending > anchor {
		anchor = pending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Never hand out a number a live reservation already holds.
	next := anchor
	for n := range st.tickets {
		if n+1 > next {
			next = n + 1
		}
	}
	m.log.WithFields(logrus.Fields{
		"account": account.Hex(),
		"latest":  latest,
		"pending": pending,
		"next":    next,
	}).Info("nonce sequence resynced")
	st.next = next
	st.synced = true
	return nil
}

// ---------- Sweeper ----------

func (m *Manager) sweepLoop() {
	defer close(m.done)
	interval := m.cfg.Grace / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep releases Reserved tickets that were never submitted within the grace
// period, e.g. because the job holding them crashed between reserve and
// broadcast.
func (m *Manager) sweep() {
	m.mu.Lock()
	accounts := make(map[common.Address]*accountState, len(m.accounts))
	for a, st := range m.accounts {
		accounts[a] = st
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.Grace)
	for account, st := range accounts {
		select {
		case st.slot <- struct{}{}:
		default:
			continue // busy account, next tick
		}
		m.mu.Lock()
		for n, t := range st.tickets {
			if t.state != Reserved || t.createdAt.After(cutoff) {
				continue
			}
			t.state = Released
			delete(st.tickets, n)
			m.released++
			m.reclaimTail(st, n)
			m.log.WithFields(logrus.Fields{
				"account": account.Hex(),
				"nonce":   n,
				"ticket":  t.ID,
			}).Warn("abandoned reservation released")
		}
		m.mu.Unlock()
		st.release()
	}
}

// ---------- Introspection ----------

// AccountStats is a snapshot of one account's sequence.
type AccountStats struct {
	Account common.Address
	Next    uint64
	Live    []TicketInfo
}

// Stats reports per-account sequence positions and global counters.
type Stats struct {
	Accounts  []AccountStats
	Confirmed uint64
	Failed    uint64
	Released  uint64
}

// Stats snapshots current state without blocking reservations.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Stats{Confirmed: m.confirmed, Failed: m.failed, Released: m.released}
	for account, st := range m.accounts {
		as := AccountStats{Account: account, Next: st.next}
		for _, t := range st.tickets {
			as.Live = append(as.Live, t.snapshot())
		}
		out.Accounts = append(out.Accounts, as)
	}
	return out
}

// IsNonceConflict reports whether err is the node rejecting a transaction
// because its nonce disagrees with the network view.
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{
		"nonce too low",
		"nonce too high",
		"already known",
		"known transaction",
		"replacement transaction underpriced",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
