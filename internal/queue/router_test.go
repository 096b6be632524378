package queue

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestRouterPauseHoldsOnlyThatTag(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})
	r := NewRouter(h.exec)
	acct := testAcct(t)

	r.Pause(TagAutoBuy)

	buyID, err := r.AutoBuy(acct, testTokenAddr, big.NewInt(1000), big.NewInt(1))
	require.NoError(t, err)
	sendID, err := r.Submit(TagDistribution, acct, transferIntent())
	require.NoError(t, err)

	snap := h.waitTerminal(t, sendID)
	require.Equal(t, StateSucceeded, snap.State)

	held, ok := h.exec.Job(buyID)
	require.True(t, ok)
	require.NotEqual(t, StateSucceeded, held.State)

	r.Resume(TagAutoBuy)
	snap = h.waitTerminal(t, buyID)
	require.Equal(t, StateSucceeded, snap.State)
}

func TestRouterCancelDropsQueuedJobsOfTag(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})
	r := NewRouter(h.exec)
	acct := testAcct(t)

	r.Pause(TagDistribution)
	ids, err := r.Distribute(acct, common.Address{},
		[]common.Address{
			common.HexToAddress("0x0000000000000000000000000000000000000001"),
			common.HexToAddress("0x0000000000000000000000000000000000000002"),
		},
		[]*big.Int{big.NewInt(1), big.NewInt(2)})
	require.NoError(t, err)

	r.Cancel(TagDistribution)
	r.Resume(TagDistribution)

	for _, id := range ids {
		snap := h.waitTerminal(t, id)
		require.Equal(t, StateCancelled, snap.State)
	}
	require.Equal(t, 0, h.sub.sendCount())

	// Work submitted after the cancel runs normally.
	id, err := r.Submit(TagDistribution, acct, transferIntent())
	require.NoError(t, err)
	snap := h.waitTerminal(t, id)
	require.Equal(t, StateSucceeded, snap.State)
}

func TestRouterCancelDoesNotTouchOtherTags(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})
	r := NewRouter(h.exec)
	acct := testAcct(t)

	r.Pause(TagReward)
	rewardID, err := r.Reward(acct, common.Address{},
		common.HexToAddress("0x0000000000000000000000000000000000000003"), big.NewInt(5))
	require.NoError(t, err)

	r.Cancel(TagAutoSell)
	r.Resume(TagReward)

	snap := h.waitTerminal(t, rewardID)
	require.Equal(t, StateSucceeded, snap.State)
}

func TestSellWithApprovalQueuesBothInOrder(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})
	r := NewRouter(h.exec)

	approveID, sellID, err := r.SellWithApproval(testAcct(t), testTokenAddr,
		big.NewInt(1000), big.NewInt(900))
	require.NoError(t, err)

	require.Equal(t, StateSucceeded, h.waitTerminal(t, approveID).State)
	require.Equal(t, StateSucceeded, h.waitTerminal(t, sellID).State)

	// The approve rides the lower nonce.
	nonces := h.sub.nonces()
	require.Len(t, nonces, 2)
	require.Less(t, nonces[0], nonces[1])
}

func TestDistributeLengthMismatch(t *testing.T) {
	h := newHarness(t, &fakeChain{}, &fakeSubmitter{}, Config{Workers: 1})
	r := NewRouter(h.exec)

	_, err := r.Distribute(testAcct(t), common.Address{},
		[]common.Address{common.HexToAddress("0x01")}, nil)
	require.Error(t, err)
}

var testTokenAddr = common.HexToAddress("0x0E09FaBB73Bd3Ade0a17ECC321fD13a19e81cE82")
