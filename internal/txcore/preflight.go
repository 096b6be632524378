package txcore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tokenops/walletsender/internal/chain"
)

// TokenBalance reads an ERC-20 balance with eth_call.
func TokenBalance(ctx context.Context, backend chain.Backend, token, owner common.Address) (*big.Int, error) {
	ret, err := backend.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: EncodeBalanceOf(owner),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", owner.Hex(), err)
	}
	return DecodeUint256(ret)
}

// Allowance reads an ERC-20 allowance with eth_call.
func Allowance(ctx context.Context, backend chain.Backend, token, owner, spender common.Address) (*big.Int, error) {
	ret, err := backend.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: EncodeAllowance(owner, spender),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance %s: %w", owner.Hex(), err)
	}
	return DecodeUint256(ret)
}

// TokenDecimals reads an ERC-20 decimals() value with eth_call.
func TokenDecimals(ctx context.Context, backend chain.Backend, token common.Address) (uint8, error) {
	ret, err := backend.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: EncodeDecimals(),
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("decimals %s: %w", token.Hex(), err)
	}
	v, err := DecodeUint256(ret)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() || v.Uint64() > 77 {
		return 0, fmt.Errorf("decimals %s: implausible value %s", token.Hex(), v)
	}
	return uint8(v.Uint64()), nil
}

// TokenSymbol reads an ERC-20 symbol() value with eth_call.
func TokenSymbol(ctx context.Context, backend chain.Backend, token common.Address) (string, error) {
	ret, err := backend.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: EncodeSymbol(),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("symbol %s: %w", token.Hex(), err)
	}
	return DecodeString(ret)
}

// PreflightTransfer simulates an ERC-20 transfer before any nonce is
// reserved. A revert here means the real transaction would burn gas for
// nothing, so it surfaces as a terminal BuildError.
func PreflightTransfer(ctx context.Context, backend chain.Backend, token, from, to common.Address, amount *big.Int) error {
	bal, err := TokenBalance(ctx, backend, token, from)
	if err == nil && bal.Cmp(amount) < 0 {
		return buildErr("preflight", fmt.Errorf(
			"token balance %s below transfer amount %s", bal, amount))
	}
	ret, err := backend.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &token,
		Data: EncodeTransfer(to, amount),
	}, nil)
	if err != nil {
		if IsEndpointOutage(err) {
			return err
		}
		return buildErr("preflight", err)
	}
	// Tokens that return a bool must return true; empty returns are fine.
	if len(ret) >= 32 && new(big.Int).SetBytes(ret[:32]).Sign() == 0 {
		return buildErr("preflight", fmt.Errorf("transfer to %s returned false", to.Hex()))
	}
	return nil
}
