package nonce

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TicketState tracks a reservation through its lifecycle. Every ticket ends
// in one of the terminal states; a reservation is never silently dropped.
type TicketState int

const (
	// Reserved: handed out, not yet broadcast.
	Reserved TicketState = iota
	// Submitted: a transaction carrying this nonce was broadcast.
	Submitted
	// Confirmed: the transaction landed on chain (terminal).
	Confirmed
	// Failed: broadcast was rejected or the transaction reverted (terminal).
	Failed
	// Released: given back without a broadcast (terminal).
	Released
)

func (s TicketState) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Submitted:
		return "submitted"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

func (s TicketState) terminal() bool {
	return s == Confirmed || s == Failed || s == Released
}

// Ticket is one reserved nonce for one account. Fields other than ID,
// Account and Nonce are owned by the Manager; read them via snapshots.
type Ticket struct {
	ID      string
	Account common.Address
	Nonce   uint64

	state     TicketState
	txHash    common.Hash
	createdAt time.Time
	err       error
}

func newTicket(account common.Address, n uint64) *Ticket {
	return &Ticket{
		ID:        uuid.NewString(),
		Account:   account,
		Nonce:     n,
		state:     Reserved,
		createdAt: time.Now(),
	}
}

// TicketInfo is a point-in-time snapshot of a ticket.
type TicketInfo struct {
	ID        string
	Account   common.Address
	Nonce     uint64
	State     TicketState
	TxHash    common.Hash
	CreatedAt time.Time
	Err       error
}

func (t *Ticket) snapshot() TicketInfo {
	return TicketInfo{
		ID:        t.ID,
		Account:   t.Account,
		Nonce:     t.Nonce,
		State:     t.state,
		TxHash:    t.txHash,
		CreatedAt: t.createdAt,
		Err:       t.err,
	}
}
