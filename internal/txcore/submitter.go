// Package txcore turns intents into signed transactions and shepherds them
// onto the chain: build, broadcast, and bounded confirmation polling.
package txcore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/tokenops/walletsender/internal/chain"
	"github.com/tokenops/walletsender/internal/nonce"
	"github.com/tokenops/walletsender/internal/wallet"
)

// OutcomeStatus is the result of waiting for a confirmation.
type OutcomeStatus int

const (
	// StatusConfirmed: the transaction landed and succeeded.
	StatusConfirmed OutcomeStatus = iota
	// StatusReverted: the transaction landed but reverted. The nonce is
	// consumed either way.
	StatusReverted
	// StatusPending: no receipt within the confirmation window. Not an
	// error; the transaction may still land later.
	StatusPending
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// Outcome is the terminal result of AwaitConfirmation. Receipt is nil when
// Status is StatusPending.
type Outcome struct {
	Status  OutcomeStatus
	Receipt *types.Receipt
}

// Config wires a Submitter.
type Config struct {
	ChainID int64
	Gas     GasPolicy
	// Router is the DEX router used by swap intents.
	Router common.Address
	// WrappedNative is the wrapped native token used in default swap paths.
	WrappedNative common.Address
	// PollInterval between receipt checks. Zero means 3s.
	PollInterval time.Duration
	// ConfirmTimeout bounds the whole confirmation wait. Zero means 2m.
	ConfirmTimeout time.Duration
	Log            *logrus.Entry
}

// Submitter builds, signs, broadcasts and confirms transactions against a
// chain backend.
type Submitter struct {
	backend        chain.Backend
	chainID        *big.Int
	gas            GasPolicy
	router         common.Address
	wrappedNative  common.Address
	pollInterval   time.Duration
	confirmTimeout time.Duration
	log            *logrus.Entry
}

// NewSubmitter wires a submitter over backend.
func NewSubmitter(backend chain.Backend, cfg Config) *Submitter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Submitter{
		backend:        backend,
		chainID:        big.NewInt(cfg.ChainID),
		gas:            cfg.Gas,
		router:         cfg.Router,
		wrappedNative:  cfg.WrappedNative,
		pollInterval:   cfg.PollInterval,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            cfg.Log.WithField("component", "txcore"),
	}
}

const defaultSwapDeadline = 5 * time.Minute

// payload is the chain-level shape of an intent.
type payload struct {
	to    common.Address
	value *big.Int
	data  []byte
}

func (s *Submitter) payloadFor(acct *wallet.Account, in Intent) (payload, error) {
	switch in.Kind {
	case KindTransfer, KindReward:
		if in.Token == (common.Address{}) {
			return payload{to: in.Recipient, value: in.Amount}, nil
		}
		return payload{
			to:    in.Token,
			value: big.NewInt(0),
			data:  EncodeTransfer(in.Recipient, in.Amount),
		}, nil

	case KindApprove:
		return payload{
			to:    in.Token,
			value: big.NewInt(0),
			data:  EncodeApprove(s.router, in.Amount),
		}, nil

	case KindSwapBuy:
		path := in.Path
		if len(path) == 0 {
			path = []common.Address{s.wrappedNative, in.Token}
		}
		return payload{
			to:    s.router,
			value: in.Amount,
			data: EncodeSwapExactETHForTokens(
				s.minOut(in), path, acct.Address, s.deadline(in)),
		}, nil

	case KindSwapSell:
		path := in.Path
		if len(path) == 0 {
			path = []common.Address{in.Token, s.wrappedNative}
		}
		return payload{
			to:    s.router,
			value: big.NewInt(0),
			data: EncodeSwapExactTokensForETH(
				in.Amount, s.minOut(in), path, acct.Address, s.deadline(in)),
		}, nil

	default:
		return payload{}, fmt.Errorf("unknown intent kind %d", in.Kind)
	}
}

func (s *Submitter) minOut(in Intent) *big.Int {
	if in.MinOut != nil {
		return in.MinOut
	}
	return big.NewInt(0)
}

func (s *Submitter) deadline(in Intent) uint64 {
	d := in.Deadline
	if d <= 0 {
		d = defaultSwapDeadline
	}
	return uint64(time.Now().Add(d).Unix())
}

// BuildAndSign constructs and signs the transaction for in at the given
// nonce. Gas price and limit are read fresh from the network here, never
// earlier.
func (s *Submitter) BuildAndSign(ctx context.Context, acct *wallet.Account, in Intent, n uint64) (*types.Transaction, error) {
	if err := in.Validate(); err != nil {
		return nil, buildErr("validate", err)
	}
	pl, err := s.payloadFor(acct, in)
	if err != nil {
		return nil, buildErr("payload", err)
	}
	price, err := s.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	limit, err := s.gasLimit(ctx, ethereum.CallMsg{
		From:     acct.Address,
		To:       &pl.to,
		Value:    pl.value,
		Data:     pl.data,
		GasPrice: price,
	})
	if err != nil {
		return nil, err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    n,
		GasPrice: price,
		Gas:      limit,
		To:       &pl.to,
		Value:    pl.value,
		Data:     pl.data,
	})
	signed, err := acct.SignTx(s.chainID, tx)
	if err != nil {
		return nil, buildErr("sign", err)
	}
	s.log.WithFields(logrus.Fields{
		"kind":      in.Kind.String(),
		"from":      acct.Address.Hex(),
		"to":        pl.to.Hex(),
		"nonce":     n,
		"gas":       limit,
		"gas_price": price.String(),
	}).Debug("transaction built")
	return signed, nil
}

// Broadcast sends a signed transaction. Nonce conflicts pass through
// unwrapped so callers can classify them; other rejections come back as a
// BroadcastError.
func (s *Submitter) Broadcast(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		if nonce.IsNonceConflict(err) || IsEndpointOutage(err) {
			return common.Hash{}, err
		}
		return common.Hash{}, &BroadcastError{Err: err}
	}
	hash := tx.Hash()
	s.log.WithField("tx", hash.Hex()).Info("transaction broadcast")
	return hash, nil
}

// AwaitConfirmation polls for the receipt of hash until it appears or the
// confirmation window closes. A timeout yields StatusPending, not an error:
// the transaction was broadcast and may still land.
func (s *Submitter) AwaitConfirmation(ctx context.Context, hash common.Hash) (Outcome, error) {
	deadline := time.Now().Add(s.confirmTimeout)
	seenInMempool := false
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				return Outcome{Status: StatusConfirmed, Receipt: receipt}, nil
			}
			return Outcome{Status: StatusReverted, Receipt: receipt}, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			s.log.WithField("tx", hash.Hex()).WithError(err).
				Debug("receipt poll failed, retrying")
		}

		if !seenInMempool {
			if _, _, err := s.backend.TransactionByHash(ctx, hash); err == nil {
				seenInMempool = true
			}
		}

		if time.Now().After(deadline) {
			s.log.WithFields(logrus.Fields{
				"tx":         hash.Hex(),
				"in_mempool": seenInMempool,
			}).Warn("confirmation window closed, transaction still pending")
			return Outcome{Status: StatusPending}, nil
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Quote asks the DEX router how much output amountIn would produce along
// path. Used to derive MinOut from a slippage tolerance.
func (s *Submitter) Quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	ret, err := s.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &s.router,
		Data: EncodeGetAmountsOut(amountIn, path),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("getAmountsOut: %w", err)
	}
	amounts, err := DecodeAmountsOut(ret)
	if err != nil {
		return nil, fmt.Errorf("getAmountsOut: %w", err)
	}
	if len(amounts) == 0 {
		return nil, errors.New("getAmountsOut: empty result")
	}
	return amounts[len(amounts)-1], nil
}
