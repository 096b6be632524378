// Package queue runs transaction jobs through a bounded worker pool with
// retry, pause/resume and tag-based routing. Each job walks the same
// pipeline: reserve nonce, build, broadcast, await confirmation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/tokenops/walletsender/internal/nonce"
	"github.com/tokenops/walletsender/internal/txcore"
	"github.com/tokenops/walletsender/internal/wallet"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("executor stopped")
	// ErrQueueFull is returned when the pending queue cannot take more jobs.
	ErrQueueFull = errors.New("queue full")
)

// Submitter is the transaction pipeline the executor drives.
// *txcore.Submitter satisfies it.
type Submitter interface {
	BuildAndSign(ctx context.Context, acct *wallet.Account, in txcore.Intent, nonce uint64) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, hash common.Hash) (txcore.Outcome, error)
}

// Config tunes the executor. Zero values take defaults.
type Config struct {
	// Workers is the pool size, clamped to [1,3]. Broadcast throughput is
	// nonce-serialized per account anyway, so more buys nothing.
	Workers int
	// MaxAttempts bounds tries per job, including the first.
	MaxAttempts int
	// RetryBase is the first backoff; it doubles per attempt up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// SendDelay spaces broadcasts out per worker. Zero means none.
	SendDelay time.Duration
	// QueueSize is the pending queue capacity.
	QueueSize int
	Log       *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Workers > 3 {
		c.Workers = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 8 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Executor owns the worker pool.
type Executor struct {
	nonces *nonce.Manager
	sub    Submitter
	cfg    Config
	log    *logrus.Entry

	jobs chan *Job

	mu        sync.Mutex
	byID      map[string]*Job
	observers []Observer
	recorder  Recorder
	gate      Gate
	unpaused  chan struct{}
	paused    bool
	stopping  bool

	confirmCtx    context.Context
	confirmCancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewExecutor starts the worker pool immediately.
func NewExecutor(nonces *nonce.Manager, sub Submitter, cfg Config) *Executor {
	cfg.applyDefaults()
	unpaused := make(chan struct{})
	close(unpaused)
	cctx, ccancel := context.WithCancel(context.Background())
	e := &Executor{
		nonces:        nonces,
		sub:           sub,
		cfg:           cfg,
		log:           cfg.Log.WithField("component", "queue"),
		jobs:          make(chan *Job, cfg.QueueSize),
		byID:          make(map[string]*Job),
		gate:          func(*Job) Verdict { return Proceed },
		unpaused:      unpaused,
		confirmCtx:    cctx,
		confirmCancel: ccancel,
		quit:          make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// SetGate installs the dispatch gate. Must be called before jobs flow.
func (e *Executor) SetGate(g Gate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = g
}

// SetRecorder installs the record sink. Must be called before jobs flow.
func (e *Executor) SetRecorder(r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = r
}

// Subscribe adds an observer for job updates.
func (e *Executor) Subscribe(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, obs)
}

// Submit enqueues a new job and returns its ID.
func (e *Executor) Submit(tag string, acct *wallet.Account, in txcore.Intent) (string, error) {
	return e.submit(tag, acct, in, 0)
}

// submit stamps the job with the router's cancellation generation before it
// becomes visible to workers.
func (e *Executor) submit(tag string, acct *wallet.Account, in txcore.Intent, gen uint64) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return "", ErrStopped
	}
	j := newJob(tag, acct, in)
	j.gen = gen
	e.byID[j.ID] = j
	e.mu.Unlock()

	select {
	case e.jobs <- j:
	default:
		e.mu.Lock()
		delete(e.byID, j.ID)
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %d pending", ErrQueueFull, len(e.jobs))
	}
	e.notify(j, nil)
	return j.ID, nil
}

// Cancel requests cancellation of one job.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	j, ok := e.byID[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	j.Cancel()
	return true
}

// Pause stops dispatching new jobs. Jobs already past dispatch finish their
// current attempt.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.paused = true
		e.unpaused = make(chan struct{})
	}
}

// Resume restarts dispatch.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		close(e.unpaused)
	}
}

// Stop refuses new submissions, cancels queued jobs, interrupts confirmation
// waits, and blocks until workers drain. In-flight broadcasts complete; their
// outcome is recorded as pending if confirmation was cut short.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	if e.paused {
		e.paused = false
		close(e.unpaused)
	}
	e.mu.Unlock()

	e.confirmCancel()

	// Drain jobs still queued.
	for {
		select {
		case j := <-e.jobs:
			e.finish(j, StateCancelled, nil, nil, errors.New("executor stopped"))
			continue
		default:
		}
		break
	}
	close(e.quit)
	e.wg.Wait()
}

// Job returns a snapshot of one job.
func (e *Executor) Job(id string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.byID[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshotLocked(j), true
}

// Jobs returns snapshots of all known jobs.
func (e *Executor) Jobs() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.byID))
	for _, j := range e.byID {
		out = append(out, e.snapshotLocked(j))
	}
	return out
}

func (e *Executor) snapshotLocked(j *Job) Snapshot {
	return Snapshot{
		ID:         j.ID,
		Tag:        j.Tag,
		Kind:       j.Intent.Kind,
		Account:    j.Account.Address,
		State:      j.state,
		Attempts:   j.attempts,
		TxHash:     j.txHash,
		Err:        j.lastErr,
		EnqueuedAt: j.enqueuedAt,
	}
}

// ---------- Worker pipeline ----------

const holdRetryDelay = 150 * time.Millisecond

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		gateCh := e.unpaused
		e.mu.Unlock()
		select {
		case <-gateCh:
		case <-e.quit:
			return
		}

		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			switch e.currentGate()(j) {
			case Drop:
				e.finish(j, StateCancelled, nil, nil, errors.New("tag cancelled"))
				continue
			case Hold:
				e.requeueAfter(j, holdRetryDelay)
				continue
			}
			if j.cancelled.Load() {
				e.finish(j, StateCancelled, nil, nil, errors.New("cancelled"))
				continue
			}
			e.run(j)
			if e.cfg.SendDelay > 0 {
				select {
				case <-e.quit:
					return
				case <-time.After(e.cfg.SendDelay):
				}
			}
		}
	}
}

func (e *Executor) currentGate() Gate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate
}

func (e *Executor) requeueAfter(j *Job, d time.Duration) {
	time.AfterFunc(d, func() {
		select {
		case e.jobs <- j:
		default:
			e.finish(j, StateFailed, nil, nil, ErrQueueFull)
		}
	})
}

// run drives one attempt of one job through the pipeline. Cancellation is
// honored at safe checkpoints only: before the nonce is reserved and before
// the transaction is built. Once a transaction is broadcast it is seen
// through to confirmation or the pending verdict.
func (e *Executor) run(j *Job) {
	ctx := context.Background()
	e.setState(j, StateRunning, nil)

	tk, err := e.nonces.Reserve(ctx, j.Account.Address)
	if err != nil {
		e.retryOrFail(j, nil, err)
		return
	}
	jlog := e.log.WithFields(logrus.Fields{
		"job":   j.ID,
		"tag":   j.Tag,
		"kind":  j.Intent.Kind.String(),
		"nonce": tk.Nonce,
	})

	// Checkpoint: the nonce is only reserved, nothing is on the wire yet.
	if j.cancelled.Load() || e.isStopping() {
		e.releaseTicket(ctx, tk)
		e.finish(j, StateCancelled, tk, nil, errors.New("cancelled before build"))
		return
	}

	tx, err := e.sub.BuildAndSign(ctx, j.Account, j.Intent, tk.Nonce)
	if err != nil {
		e.releaseTicket(ctx, tk)
		e.retryOrFail(j, tk, err)
		return
	}

	hash, err := e.sub.Broadcast(ctx, tx)
	if err != nil {
		if nonce.IsNonceConflict(err) {
			if ferr := e.nonces.Fail(ctx, tk, err); ferr != nil {
				jlog.WithError(ferr).Warn("ticket fail bookkeeping failed")
			}
		} else {
			e.releaseTicket(ctx, tk)
		}
		e.retryOrFail(j, tk, err)
		return
	}
	if err := e.nonces.Submitted(ctx, tk, hash); err != nil {
		jlog.WithError(err).Warn("ticket submit bookkeeping failed")
	}
	e.mu.Lock()
	j.txHash = hash
	e.mu.Unlock()
	jlog.WithField("tx", hash.Hex()).Info("job broadcast")

	out, err := e.sub.AwaitConfirmation(e.confirmCtx, hash)
	if err != nil {
		// Interrupted while polling. The transaction is out; report pending.
		out = txcore.Outcome{Status: txcore.StatusPending}
	}

	switch out.Status {
	case txcore.StatusConfirmed:
		if cerr := e.nonces.Confirm(ctx, tk); cerr != nil {
			jlog.WithError(cerr).Warn("ticket confirm bookkeeping failed")
		}
		e.finish(j, StateSucceeded, tk, &out, nil)
	case txcore.StatusReverted:
		// The nonce is consumed even though the call reverted.
		if cerr := e.nonces.Confirm(ctx, tk); cerr != nil {
			jlog.WithError(cerr).Warn("ticket confirm bookkeeping failed")
		}
		e.finish(j, StateFailed, tk, &out, errors.New("transaction reverted"))
	default:
		// Still pending: the ticket stays submitted so the nonce is not
		// reused while the transaction can still land.
		e.finish(j, StateSucceeded, tk, &out, nil)
	}
}

func (e *Executor) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

func (e *Executor) releaseTicket(ctx context.Context, tk *nonce.Ticket) {
	if err := e.nonces.Release(ctx, tk); err != nil {
		e.log.WithField("nonce", tk.Nonce).WithError(err).
			Warn("ticket release bookkeeping failed")
	}
}

// retryOrFail schedules another attempt with exponential backoff, or fails
// the job when the error is terminal or attempts are spent.
func (e *Executor) retryOrFail(j *Job, tk *nonce.Ticket, cause error) {
	e.mu.Lock()
	j.attempts++
	attempts := j.attempts
	e.mu.Unlock()

	if !txcore.IsRecoverable(cause) || attempts >= e.cfg.MaxAttempts {
		e.finish(j, StateFailed, tk, nil, cause)
		return
	}

	backoff := e.cfg.RetryBase << uint(attempts-1)
	if backoff > e.cfg.RetryMax {
		backoff = e.cfg.RetryMax
	}
	e.setState(j, StateRetrying, cause)
	e.log.WithFields(logrus.Fields{
		"job":     j.ID,
		"attempt": attempts,
		"backoff": backoff.String(),
	}).WithError(cause).Warn("job attempt failed, retrying")
	e.requeueAfter(j, backoff)
}

func (e *Executor) setState(j *Job, s State, err error) {
	e.mu.Lock()
	j.state = s
	if err != nil {
		j.lastErr = err
	}
	e.mu.Unlock()
	e.notify(j, err)
}

func (e *Executor) finish(j *Job, s State, tk *nonce.Ticket, out *txcore.Outcome, cause error) {
	e.mu.Lock()
	if j.state.terminal() {
		e.mu.Unlock()
		return
	}
	j.state = s
	if cause != nil {
		j.lastErr = cause
	}
	attempts := j.attempts
	hash := j.txHash
	rec := e.recorder
	e.mu.Unlock()
	e.notify(j, cause)

	if rec == nil {
		return
	}
	r := Record{
		JobID:      j.ID,
		Tag:        j.Tag,
		Kind:       j.Intent.Kind.String(),
		Account:    j.Account.Address.Hex(),
		Attempts:   attempts,
		FinishedAt: time.Now(),
	}
	if hash != (common.Hash{}) {
		r.TxHash = hash.Hex()
	}
	if tk != nil {
		r.Nonce = tk.Nonce
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	switch {
	case s == StateCancelled:
		r.Status = "cancelled"
	case s == StateFailed && (out == nil || out.Receipt == nil):
		r.Status = "failed"
	case out != nil && out.Status == txcore.StatusReverted:
		r.Status = "reverted"
	case out != nil && out.Status == txcore.StatusPending:
		r.Status = "pending"
	default:
		r.Status = "confirmed"
	}
	if out != nil && out.Receipt != nil {
		r.GasUsed = out.Receipt.GasUsed
		if out.Receipt.EffectiveGasPrice != nil {
			r.GasPrice = out.Receipt.EffectiveGasPrice.String()
		}
	}
	rec.Record(r)
}

// notify delivers an update to every observer without ever blocking the
// caller.
func (e *Executor) notify(j *Job, err error) {
	e.mu.Lock()
	u := Update{
		JobID:   j.ID,
		Tag:     j.Tag,
		State:   j.state,
		Attempt: j.attempts,
		TxHash:  j.txHash,
		Err:     err,
	}
	obs := make([]Observer, len(e.observers))
	copy(obs, e.observers)
	e.mu.Unlock()
	for _, o := range obs {
		go o(u)
	}
}
