package txcore

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestSelectors(t *testing.T) {
	// Canonical 4-byte IDs for the methods in play.
	require.Equal(t, "a9059cbb", hex.EncodeToString(selTransfer))
	require.Equal(t, "095ea7b3", hex.EncodeToString(selApprove))
	require.Equal(t, "70a08231", hex.EncodeToString(selBalanceOf))
	require.Equal(t, "dd62ed3e", hex.EncodeToString(selAllowance))
	require.Equal(t, "7ff36ab5", hex.EncodeToString(selSwapExactETHForToks))
	require.Equal(t, "18cbafe5", hex.EncodeToString(selSwapExactToksForETH))
	require.Equal(t, "d06ca61f", hex.EncodeToString(selGetAmountsOut))
}

func TestEncodeTransfer(t *testing.T) {
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	data := EncodeTransfer(to, big.NewInt(1))

	want := "a9059cbb" +
		"000000000000000000000000000000000000000000000000000000000000dead" +
		"0000000000000000000000000000000000000000000000000000000000000001"
	require.Equal(t, want, hex.EncodeToString(data))
}

func TestEncodeSwapExactETHForTokensLayout(t *testing.T) {
	path := []common.Address{testWNB, testToken}
	to := common.HexToAddress("0x0000000000000000000000000000000000000011")
	data := EncodeSwapExactETHForTokens(big.NewInt(42), path, to, 1_700_000_000)

	require.Len(t, data, 4+32*(4+1+len(path)))
	// Dynamic path sits right after the four static words.
	require.Equal(t, uint64(128), new(big.Int).SetBytes(data[4+32:4+64]).Uint64())
	require.Equal(t, uint64(2), new(big.Int).SetBytes(data[4+128:4+160]).Uint64())
	require.Equal(t, uint64(1_700_000_000), new(big.Int).SetBytes(data[4+96:4+128]).Uint64())
}

func TestEncodeSwapExactTokensForETHLayout(t *testing.T) {
	path := []common.Address{testToken, testWNB}
	to := common.HexToAddress("0x0000000000000000000000000000000000000011")
	data := EncodeSwapExactTokensForETH(big.NewInt(1000), big.NewInt(900), path, to, 1_700_000_000)

	require.Len(t, data, 4+32*(5+1+len(path)))
	require.Equal(t, uint64(160), new(big.Int).SetBytes(data[4+64:4+96]).Uint64())
	require.Equal(t, uint64(1000), new(big.Int).SetBytes(data[4:4+32]).Uint64())
	require.Equal(t, uint64(900), new(big.Int).SetBytes(data[4+32:4+64]).Uint64())
}

func TestDecodeAmountsOut(t *testing.T) {
	var ret []byte
	ret = append(ret, wordU64(32)...)
	ret = append(ret, wordU64(3)...)
	ret = append(ret, wordUint(big.NewInt(10))...)
	ret = append(ret, wordUint(big.NewInt(20))...)
	ret = append(ret, wordUint(big.NewInt(30))...)

	amounts, err := DecodeAmountsOut(ret)
	require.NoError(t, err)
	require.Len(t, amounts, 3)
	require.Equal(t, int64(30), amounts[2].Int64())

	_, err = DecodeAmountsOut(ret[:40])
	require.Error(t, err)
	_, err = DecodeAmountsOut(nil)
	require.Error(t, err)
}

func TestDecodeUint256(t *testing.T) {
	v, err := DecodeUint256(wordUint(big.NewInt(123456)))
	require.NoError(t, err)
	require.Equal(t, int64(123456), v.Int64())

	_, err = DecodeUint256([]byte{1, 2})
	require.Error(t, err)
}
