package txcore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
)

// GasPolicy decides price and limit for outgoing transactions. All of it is
// applied at submission time; nothing is pinned when a job is enqueued.
type GasPolicy struct {
	// PriceWei fixes the gas price. Nil means ask the node.
	PriceWei *big.Int
	// BufferPct pads the estimated gas limit. Zero means the default 20%.
	BufferPct uint64
	// LimitOverride bypasses estimation entirely when non-zero.
	LimitOverride uint64
}

const defaultGasBufferPct = 20

// simple native transfers never need estimation
const nativeTransferGas = 21000

func (p GasPolicy) bufferPct() uint64 {
	if p.BufferPct == 0 {
		return defaultGasBufferPct
	}
	return p.BufferPct
}

func (s *Submitter) gasPrice(ctx context.Context) (*big.Int, error) {
	if s.gas.PriceWei != nil && s.gas.PriceWei.Sign() > 0 {
		return new(big.Int).Set(s.gas.PriceWei), nil
	}
	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

// gasLimit estimates gas for msg and applies the buffer. An estimation revert
// means the transaction itself would revert, so it surfaces as a BuildError.
func (s *Submitter) gasLimit(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if s.gas.LimitOverride > 0 {
		return s.gas.LimitOverride, nil
	}
	if len(msg.Data) == 0 {
		return nativeTransferGas, nil
	}
	est, err := s.backend.EstimateGas(ctx, msg)
	if err != nil {
		if IsEndpointOutage(err) {
			return 0, err
		}
		return 0, buildErr("gas estimate", err)
	}
	return est + est*s.gas.bufferPct()/100, nil
}
