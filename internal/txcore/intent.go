package txcore

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind selects how an Intent is turned into calldata.
type Kind int

const (
	// KindTransfer sends native coin or an ERC-20 token to a recipient.
	KindTransfer Kind = iota
	// KindSwapBuy swaps native coin for tokens through the DEX router.
	KindSwapBuy
	// KindSwapSell swaps tokens back to native coin through the DEX router.
	KindSwapSell
	// KindApprove grants the DEX router an ERC-20 allowance. Queued ahead of
	// a sell when the current allowance does not cover it.
	KindApprove
	// KindReward is a transfer originated by the reward flow. Identical on
	// the wire to KindTransfer; kept distinct for routing and records.
	KindReward
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindSwapBuy:
		return "swap_buy"
	case KindSwapSell:
		return "swap_sell"
	case KindApprove:
		return "approve"
	case KindReward:
		return "reward"
	default:
		return "unknown"
	}
}

// Intent describes one transaction to perform, independent of nonce and gas.
// Nonce and gas parameters are attached at submission time, not when the
// intent is created.
type Intent struct {
	Kind Kind

	// Token is the ERC-20 contract. The zero address means native coin for
	// transfers; swaps always require it.
	Token common.Address

	// Recipient receives the transfer. Unused for swaps and approves.
	Recipient common.Address

	// Amount is the transfer amount, the swap input amount, or the approve
	// allowance, in the asset's smallest unit.
	Amount *big.Int

	// MinOut is the swap's minimum acceptable output, after slippage.
	MinOut *big.Int

	// Path overrides the swap route. Empty means direct through the wrapped
	// native token.
	Path []common.Address

	// Deadline bounds how long the router may hold a swap, relative to
	// submission. Zero means 5 minutes.
	Deadline time.Duration
}

// Validate rejects intents that could never build.
func (in Intent) Validate() error {
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return errors.New("intent: amount must be positive")
	}
	switch in.Kind {
	case KindTransfer, KindReward:
		if in.Recipient == (common.Address{}) {
			return errors.New("intent: recipient required")
		}
	case KindSwapBuy, KindSwapSell, KindApprove:
		if in.Token == (common.Address{}) {
			return errors.New("intent: token required")
		}
	default:
		return errors.New("intent: unknown kind")
	}
	return nil
}
