package txcore

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hand-rolled ABI encoding for the handful of methods this tool calls. The
// shapes are fixed, so pulling in full ABI machinery buys nothing.

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

var (
	selTransfer             = selector("transfer(address,uint256)")
	selApprove              = selector("approve(address,uint256)")
	selBalanceOf            = selector("balanceOf(address)")
	selAllowance            = selector("allowance(address,address)")
	selDecimals             = selector("decimals()")
	selSymbol               = selector("symbol()")
	selSwapExactETHForToks  = selector("swapExactETHForTokens(uint256,address[],address,uint256)")
	selSwapExactToksForETH  = selector("swapExactTokensForETH(uint256,uint256,address[],address,uint256)")
	selGetAmountsOut        = selector("getAmountsOut(uint256,address[])")
)

func wordUint(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func wordAddr(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func wordU64(v uint64) []byte {
	return wordUint(new(big.Int).SetUint64(v))
}

func appendPath(data []byte, path []common.Address) []byte {
	data = append(data, wordU64(uint64(len(path)))...)
	for _, a := range path {
		data = append(data, wordAddr(a)...)
	}
	return data
}

// EncodeTransfer builds calldata for ERC20 transfer(to, amount).
func EncodeTransfer(to common.Address, amount *big.Int) []byte {
	data := append([]byte{}, selTransfer...)
	data = append(data, wordAddr(to)...)
	data = append(data, wordUint(amount)...)
	return data
}

// EncodeApprove builds calldata for ERC20 approve(spender, amount).
func EncodeApprove(spender common.Address, amount *big.Int) []byte {
	data := append([]byte{}, selApprove...)
	data = append(data, wordAddr(spender)...)
	data = append(data, wordUint(amount)...)
	return data
}

// EncodeBalanceOf builds calldata for ERC20 balanceOf(owner).
func EncodeBalanceOf(owner common.Address) []byte {
	data := append([]byte{}, selBalanceOf...)
	data = append(data, wordAddr(owner)...)
	return data
}

// EncodeAllowance builds calldata for ERC20 allowance(owner, spender).
func EncodeAllowance(owner, spender common.Address) []byte {
	data := append([]byte{}, selAllowance...)
	data = append(data, wordAddr(owner)...)
	data = append(data, wordAddr(spender)...)
	return data
}

// EncodeDecimals builds calldata for ERC20 decimals().
func EncodeDecimals() []byte { return append([]byte{}, selDecimals...) }

// EncodeSymbol builds calldata for ERC20 symbol().
func EncodeSymbol() []byte { return append([]byte{}, selSymbol...) }

// EncodeSwapExactETHForTokens builds router calldata for buying tokens with
// native coin. The input amount travels as the transaction value.
func EncodeSwapExactETHForTokens(amountOutMin *big.Int, path []common.Address, to common.Address, deadline uint64) []byte {
	data := append([]byte{}, selSwapExactETHForToks...)
	data = append(data, wordUint(amountOutMin)...)
	data = append(data, wordU64(4*32)...) // offset of path
	data = append(data, wordAddr(to)...)
	data = append(data, wordU64(deadline)...)
	return appendPath(data, path)
}

// EncodeSwapExactTokensForETH builds router calldata for selling tokens back
// to native coin. Requires a prior allowance for the router.
func EncodeSwapExactTokensForETH(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline uint64) []byte {
	data := append([]byte{}, selSwapExactToksForETH...)
	data = append(data, wordUint(amountIn)...)
	data = append(data, wordUint(amountOutMin)...)
	data = append(data, wordU64(5*32)...) // offset of path
	data = append(data, wordAddr(to)...)
	data = append(data, wordU64(deadline)...)
	return appendPath(data, path)
}

// EncodeGetAmountsOut builds router calldata for the getAmountsOut quote.
func EncodeGetAmountsOut(amountIn *big.Int, path []common.Address) []byte {
	data := append([]byte{}, selGetAmountsOut...)
	data = append(data, wordUint(amountIn)...)
	data = append(data, wordU64(2*32)...) // offset of path
	return appendPath(data, path)
}

// DecodeUint256 reads a single uint256 return value.
func DecodeUint256(ret []byte) (*big.Int, error) {
	if len(ret) < 32 {
		return nil, errors.New("short uint256 return")
	}
	return new(big.Int).SetBytes(ret[:32]), nil
}

// DecodeString reads a single ABI string return value.
func DecodeString(ret []byte) (string, error) {
	if len(ret) < 64 {
		return "", errors.New("short string return")
	}
	offset := new(big.Int).SetBytes(ret[:32]).Uint64()
	if offset+32 > uint64(len(ret)) {
		return "", errors.New("string offset out of range")
	}
	n := new(big.Int).SetBytes(ret[offset : offset+32]).Uint64()
	if offset+32+n > uint64(len(ret)) {
		return "", errors.New("string truncated")
	}
	return string(ret[offset+32 : offset+32+n]), nil
}

// DecodeAmountsOut reads getAmountsOut's uint256[] return value.
func DecodeAmountsOut(ret []byte) ([]*big.Int, error) {
	if len(ret) < 64 {
		return nil, errors.New("short uint256[] return")
	}
	offset := new(big.Int).SetBytes(ret[:32]).Uint64()
	if offset+32 > uint64(len(ret)) {
		return nil, errors.New("uint256[] offset out of range")
	}
	n := new(big.Int).SetBytes(ret[offset : offset+32]).Uint64()
	if offset+32+n*32 > uint64(len(ret)) {
		return nil, errors.New("uint256[] truncated")
	}
	out := make([]*big.Int, 0, n)
	for i := uint64(0); i < n; i++ {
		start := offset + 32 + i*32
		out = append(out, new(big.Int).SetBytes(ret[start:start+32]))
	}
	return out, nil
}
