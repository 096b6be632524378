// Package wallet holds signing accounts. Private key material never leaves
// this package: it is not logged, not serialized, and not exposed through
// any accessor.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is a single signing identity.
type Account struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// FromHexKey parses a hex-encoded private key, with or without 0x prefix.
func FromHexKey(hexKey string) (*Account, error) {
	k := strings.TrimSpace(hexKey)
	k = strings.TrimPrefix(k, "0x")
	pk, err := crypto.HexToECDSA(k)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Account{
		Address: crypto.PubkeyToAddress(pk.PublicKey),
		key:     pk,
	}, nil
}

// SignTx signs tx for the given chain.
func (a *Account) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx from %s: %w", a.Address.Hex(), err)
	}
	return signed, nil
}

// String returns the address only. Accounts must never print key material.
func (a *Account) String() string {
	return a.Address.Hex()
}
