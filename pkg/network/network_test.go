package network

import (
	"testing"

	"github.com/cuemby/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(id uint64) *types.Message {
	key := types.NewRef(types.KindSimpleCR, "t", "s")
	return &types.Message{
		ID:      types.MessageID(id),
		RestID:  types.RestID(id),
		Src:     types.ControllerHost("simple", key),
		Dst:     types.APIServerHost(),
		Content: types.Content{APIRequest: types.GetRequest(key)},
	}
}

func TestSendReceive(t *testing.T) {
	n := New()
	require.NoError(t, n.Send(newRequest(3)))
	require.NoError(t, n.Send(newRequest(1)))
	require.NoError(t, n.Send(newRequest(2)))

	assert.ErrorIs(t, n.Send(newRequest(2)), ErrDuplicateID)
	assert.Equal(t, 3, n.Len())

	msgs := n.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, types.MessageID(1), msgs[0].ID)
	assert.Equal(t, types.MessageID(3), msgs[2].ID)

	msg, err := n.Receive(2)
	require.NoError(t, err)
	assert.Equal(t, types.MessageID(2), msg.ID)
	assert.False(t, n.Contains(2))

	_, err = n.Receive(2)
	assert.ErrorIs(t, err, ErrNotInFlight)
}

func TestDropRecordsRestID(t *testing.T) {
	n := New()
	require.NoError(t, n.Send(newRequest(7)))

	assert.False(t, n.WasDropped(7))
	_, err := n.Drop(7)
	require.NoError(t, err)
	assert.True(t, n.WasDropped(7))
	assert.False(t, n.CarriesRestID(7))

	_, err = n.Drop(7)
	assert.ErrorIs(t, err, ErrNotInFlight)
}

func TestFilterAndCount(t *testing.T) {
	n := New()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, n.Send(newRequest(i)))
	}
	even := func(m *types.Message) bool { return m.ID%2 == 0 }
	assert.Equal(t, 2, n.Count(even))
	got := n.Filter(even)
	require.Len(t, got, 2)
	assert.Equal(t, types.MessageID(2), got[0].ID)
	assert.Equal(t, types.MessageID(4), got[1].ID)
}

func TestClone(t *testing.T) {
	n := New()
	require.NoError(t, n.Send(newRequest(1)))
	cp := n.Clone()
	_, err := n.Receive(1)
	require.NoError(t, err)
	assert.True(t, cp.Contains(1))
	assert.False(t, n.Contains(1))
}
