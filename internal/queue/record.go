package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Record is the durable trace of a finished attempt pipeline: one per job
// reaching a terminal state. Pending means broadcast but unconfirmed within
// the window; reconciling those against the chain later is the record
// consumer's business.
type Record struct {
	JobID      string
	Tag        string
	Kind       string
	Account    string
	TxHash     string
	Nonce      uint64
	Status     string // confirmed | reverted | pending | failed | cancelled
	GasUsed    uint64
	GasPrice   string
	Attempts   int
	Error      string
	FinishedAt time.Time
}

// Recorder consumes records. Implementations must not block.
type Recorder interface {
	Record(Record)
}

// LogRecorder writes records to the structured log.
type LogRecorder struct {
	Log *logrus.Entry
}

func (r *LogRecorder) Record(rec Record) {
	r.Log.WithFields(logrus.Fields{
		"job":      rec.JobID,
		"tag":      rec.Tag,
		"kind":     rec.Kind,
		"account":  rec.Account,
		"tx":       rec.TxHash,
		"nonce":    rec.Nonce,
		"status":   rec.Status,
		"gas_used": rec.GasUsed,
		"attempts": rec.Attempts,
		"error":    rec.Error,
	}).Info("job finished")
}

// MemoryRecorder keeps the most recent records in memory.
type MemoryRecorder struct {
	mu   sync.Mutex
	max  int
	recs []Record
}

// NewMemoryRecorder keeps up to max records, oldest evicted first.
func NewMemoryRecorder(max int) *MemoryRecorder {
	if max <= 0 {
		max = 1024
	}
	return &MemoryRecorder{max: max}
}

func (r *MemoryRecorder) Record(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	if len(r.recs) > r.max {
		r.recs = r.recs[len(r.recs)-r.max:]
	}
}

// Records returns a copy of everything currently held.
func (r *MemoryRecorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.recs))
	copy(out, r.recs)
	return out
}

// multiRecorder fans a record out to several consumers.
type multiRecorder []Recorder

func (m multiRecorder) Record(rec Record) {
	for _, r := range m {
		r.Record(rec)
	}
}

// MultiRecorder combines recorders into one.
func MultiRecorder(rs ...Recorder) Recorder { return multiRecorder(rs) }
