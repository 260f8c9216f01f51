package verification

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/openethereum/oe-go/types"
)

func TestVerifyBasic_Rejections(t *testing.T) {
	eng := &stubEngine{}

	reencode := func(b *types.UnverifiedBlock) *types.UnverifiedBlock {
		data, err := types.EncodeBlock(b.Header, nil, nil)
		require.NoError(t, err)
		out, err := types.NewUnverifiedBlock(data)
		require.NoError(t, err)
		return out
	}

	// genesis is not importable
	g := makeBlock(t, common.Hash{}, 1, 0)
	g.Header.Number = new(big.Int)
	g = reencode(g)
	err := VerifyBasic(g, eng)
	require.Error(t, err)
	require.False(t, IsTemporarilyInvalid(err))

	// gas used above limit
	b := makeBlock(t, common.Hash{}, 1, 1)
	b.Header.GasUsed = b.Header.GasLimit + 1
	b = reencode(b)
	require.Error(t, VerifyBasic(b, eng))

	// zero gas limit
	b = makeBlock(t, common.Hash{}, 1, 2)
	b.Header.GasLimit = 0
	b = reencode(b)
	require.Error(t, VerifyBasic(b, eng))

	// slightly future timestamps are retryable, not bad
	b = makeBlock(t, common.Hash{}, 1, 3)
	b.Header.Time = uint64(time.Now().Add(time.Minute).Unix())
	b = reencode(b)
	err = VerifyBasic(b, eng)
	require.Error(t, err)
	require.True(t, IsTemporarilyInvalid(err))

	// a sound block passes
	require.NoError(t, VerifyBasic(makeBlock(t, common.Hash{}, 1, 4), eng))
}

func TestVerifyUnordered_BodyRoots(t *testing.T) {
	eng := &stubEngine{}
	chainID := big.NewInt(1)

	good := makeBlock(t, common.Hash{}, 1, 0)
	pre, err := VerifyUnordered(good, eng, chainID, true)
	require.NoError(t, err)
	require.Equal(t, good.Hash(), pre.Hash())

	// transactions root mismatch
	bad := makeBlock(t, common.Hash{}, 1, 1)
	bad.Header.TxHash = common.HexToHash("0xbad")
	data, err := types.EncodeBlock(bad.Header, nil, nil)
	require.NoError(t, err)
	bad, err = types.NewUnverifiedBlock(data)
	require.NoError(t, err)
	_, err = VerifyUnordered(bad, eng, chainID, true)
	require.Error(t, err)
	require.False(t, IsTemporarilyInvalid(err))
}

func TestVerifyFamily(t *testing.T) {
	eng := &stubEngine{}
	parent := makeBlock(t, common.Hash{}, 5, 0).Header

	child := &ethtypes.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
		Difficulty: big.NewInt(1),
		GasLimit:   8_000_000,
		Time:       parent.Time + 1,
	}
	require.NoError(t, VerifyFamily(child, parent, eng))

	// number gap
	skipped := *child
	skipped.Number = big.NewInt(99)
	require.Error(t, VerifyFamily(&skipped, parent, eng))

	// wrong parent
	wrong := *child
	wrong.ParentHash = common.HexToHash("0x01")
	require.Error(t, VerifyFamily(&wrong, parent, eng))
}

func TestVerifyFinal_FieldMismatches(t *testing.T) {
	sealed := &ethtypes.Header{
		Number:      big.NewInt(1),
		Difficulty:  big.NewInt(1),
		Root:        common.HexToHash("0x01"),
		GasUsed:     21000,
		ReceiptHash: ethtypes.EmptyRootHash,
	}
	computed := ethtypes.CopyHeader(sealed)
	require.NoError(t, VerifyFinal(sealed, computed))

	wrongRoot := ethtypes.CopyHeader(computed)
	wrongRoot.Root = common.HexToHash("0x02")
	require.Error(t, VerifyFinal(sealed, wrongRoot))

	wrongGas := ethtypes.CopyHeader(computed)
	wrongGas.GasUsed = 1
	require.Error(t, VerifyFinal(sealed, wrongGas))

	wrongReceipts := ethtypes.CopyHeader(computed)
	wrongReceipts.ReceiptHash = common.HexToHash("0x03")
	require.Error(t, VerifyFinal(sealed, wrongReceipts))
}
