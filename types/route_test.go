package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func h(b byte) common.Hash {
	return common.Hash{b}
}

func TestNewChainRoute_FoldsRoundRoutes(t *testing.T) {
	// block A enacted, then a reorg retracts A and enacts B, C
	routes := []ImportRoute{
		{Enacted: []common.Hash{h(1)}},
		{Retracted: []common.Hash{h(1)}, Enacted: []common.Hash{h(2), h(3)}},
	}
	route := NewChainRoute(routes)

	// A cancels out: it never survived the round
	require.Equal(t, []common.Hash{h(2), h(3)}, route.Enacted())
	require.Equal(t, []common.Hash{h(1)}, route.Retracted())
}

func TestNewChainRoute_RetractThenReenact(t *testing.T) {
	routes := []ImportRoute{
		{Retracted: []common.Hash{h(1)}, Enacted: []common.Hash{h(2)}},
		{Retracted: []common.Hash{h(2)}, Enacted: []common.Hash{h(1), h(3)}},
	}
	route := NewChainRoute(routes)

	require.Equal(t, []common.Hash{h(1), h(3)}, route.Enacted())
	// h2 was enacted and retracted within the round: net effect retracted
	require.Equal(t, []common.Hash{h(2)}, route.Retracted())
}

func TestImportRoute_IsNone(t *testing.T) {
	omitted := ImportRoute{Omitted: []common.Hash{h(1)}}
	require.True(t, omitted.IsNone())

	enacted := ImportRoute{Enacted: []common.Hash{h(1)}}
	require.False(t, enacted.IsNone())
}

func TestValidatorList(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	c := common.HexToAddress("0x03")
	list := NewValidatorList([]common.Address{a, b, c})

	require.Equal(t, 3, list.Count())
	require.True(t, list.Contains(b))
	require.False(t, list.Contains(common.HexToAddress("0x04")))

	// slot addressing wraps modulo the set size
	require.Equal(t, a, list.AddressAt(0))
	require.Equal(t, c, list.AddressAt(2))
	require.Equal(t, a, list.AddressAt(3))
	require.Equal(t, b, list.AddressAt(7))

	require.True(t, list.Equal(NewValidatorList([]common.Address{a, b, c})))
	require.False(t, list.Equal(NewValidatorList([]common.Address{a, b})))
}

func TestUnverifiedBlock_Decode(t *testing.T) {
	_, err := NewUnverifiedBlock(nil)
	require.ErrorIs(t, err, ErrEmptyBlock)

	_, err = NewUnverifiedBlock([]byte{0xba, 0xad})
	require.Error(t, err)
}
