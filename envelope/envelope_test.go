package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndParseRoundTrip(t *testing.T) {
	e, err := New("TASK", "m1", map[string]string{"foo": "bar"})
	require.NoError(t, err)
	assert.Equal(t, Metamodel, e.Header.Metamodel)

	raw, err := e.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "TASK", parsed.Header.Type)
	assert.Equal(t, "m1", parsed.Header.MsgID)
	assert.True(t, parsed.HasMsgID())
}

func TestParseMissingMsgIDStillParses(t *testing.T) {
	parsed, err := Parse([]byte(`{"header":{"type":"PING","timestamp":"now"},"payload":{}}`))
	require.NoError(t, err)
	assert.False(t, parsed.HasMsgID())
}

func TestIsAckTrackable(t *testing.T) {
	e, err := New("TASK", "m1", nil)
	require.NoError(t, err)
	assert.True(t, e.IsAckTrackable([]string{"TASK", "STOP"}))
	assert.False(t, e.IsAckTrackable([]string{"OTHER"}))

	noID := e
	noID.Header.MsgID = ""
	assert.False(t, noID.IsAckTrackable([]string{"TASK"}))
}

func TestAddressedTo(t *testing.T) {
	e, err := New("TASK", "m1", nil)
	require.NoError(t, err)
	assert.True(t, e.AddressedTo("anyone"))

	e.Header.ReceiverIDs = []string{"B", "C"}
	assert.True(t, e.AddressedTo("B"))
	assert.False(t, e.AddressedTo("A"))
}

func TestAckRoundTrip(t *testing.T) {
	ack, err := NewAck("ack1", "m1")
	require.NoError(t, err)
	assert.Equal(t, TypeAcknowledgement, ack.Header.Type)

	origMsgID, err := DecodeAck(ack)
	require.NoError(t, err)
	assert.Equal(t, "m1", origMsgID)
}
