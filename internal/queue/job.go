package queue

import (
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/tokenops/walletsender/internal/txcore"
	"github.com/tokenops/walletsender/internal/wallet"
)

// State of a job in the queue. Succeeded, Failed and Cancelled are terminal.
type State int

const (
	StatePending State = iota
	StateRunning
	StateRetrying
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Job is one unit of work: an intent to execute under a tag. Mutable fields
// are owned by the executor.
type Job struct {
	ID      string
	Tag     string
	Account *wallet.Account
	Intent  txcore.Intent

	state      State
	attempts   int
	lastErr    error
	txHash     common.Hash
	gen        uint64 // router cancellation generation
	enqueuedAt time.Time

	cancelled atomic.Bool
}

func newJob(tag string, acct *wallet.Account, in txcore.Intent) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Tag:        tag,
		Account:    acct,
		Intent:     in,
		state:      StatePending,
		enqueuedAt: time.Now(),
	}
}

// Cancel flags the job. Pending jobs are dropped at dequeue; a running job
// stops at its next safe checkpoint. Broadcast transactions are never
// abandoned mid-flight.
func (j *Job) Cancel() { j.cancelled.Store(true) }

// Snapshot is a point-in-time view of a job.
type Snapshot struct {
	ID         string
	Tag        string
	Kind       txcore.Kind
	Account    common.Address
	State      State
	Attempts   int
	TxHash     common.Hash
	Err        error
	EnqueuedAt time.Time
}

// Update is delivered to observers on every state change. Delivery is
// asynchronous; a slow observer never delays the pipeline.
type Update struct {
	JobID   string
	Tag     string
	State   State
	Attempt int
	TxHash  common.Hash
	Err     error
}

// Observer receives job updates.
type Observer func(Update)

// Verdict is a gate's decision for a dequeued job.
type Verdict int

const (
	// Proceed: run the job now.
	Proceed Verdict = iota
	// Hold: keep the job queued, its tag is paused.
	Hold
	// Drop: the job's tag was cancelled; finish it as cancelled.
	Drop
)

// Gate lets a router intercept jobs at dispatch time.
type Gate func(j *Job) Verdict
