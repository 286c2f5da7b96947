package halproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalFullUpdate(t *testing.T) {
	handle := uint32(7)
	velocity := 2.5
	enabled := true

	tx := &Container{
		Type:    MsgHalrcompFullUpdate,
		Pparams: &ProtocolParameters{KeepaliveTimerMs: 500},
	}
	comp := tx.AddComp()
	comp.Name = "demo"
	pin := comp.AddPin()
	pin.Name = "demo.jog-velocity"
	pin.Handle = handle
	pin.Type = ValueTypeFloat
	pin.Dir = DirectionOut
	pin.HalFloat = &velocity
	bitPin := comp.AddPin()
	bitPin.Name = "demo.enable"
	bitPin.Handle = 8
	bitPin.Type = ValueTypeBit
	bitPin.HalBit = &enabled

	data, err := Marshal(tx)
	require.NoError(t, err)

	rx := &Container{}
	require.NoError(t, Unmarshal(data, rx))

	require.Equal(t, MsgHalrcompFullUpdate, rx.Type)
	require.NotNil(t, rx.Pparams)
	assert.Equal(t, int32(500), rx.Pparams.KeepaliveTimerMs)

	require.Len(t, rx.Comp, 1)
	require.Len(t, rx.Comp[0].Pin, 2)
	got := rx.Comp[0].Pin[0]
	assert.Equal(t, "demo.jog-velocity", got.Name)
	assert.Equal(t, handle, got.Handle)
	require.NotNil(t, got.HalFloat)
	assert.Equal(t, velocity, *got.HalFloat)
	assert.Nil(t, got.HalBit)

	require.NotNil(t, rx.Comp[0].Pin[1].HalBit)
	assert.True(t, *rx.Comp[0].Pin[1].HalBit)
}

func TestMarshalUnmarshalRejectNotes(t *testing.T) {
	tx := &Container{
		Type: MsgHalrcompBindReject,
		Note: []string{"name taken", "try another"},
	}

	data, err := Marshal(tx)
	require.NoError(t, err)

	rx := &Container{}
	require.NoError(t, Unmarshal(data, rx))
	assert.Equal(t, MsgHalrcompBindReject, rx.Type)
	assert.Equal(t, []string{"name taken", "try another"}, rx.Note)
}

func TestUnmarshalClearsReceiveBuffer(t *testing.T) {
	first := &Container{Type: MsgHalrcompSet}
	first.AddPin().Handle = 1

	data1, err := Marshal(first)
	require.NoError(t, err)

	data2, err := Marshal(&Container{Type: MsgPingAcknowledge})
	require.NoError(t, err)

	rx := &Container{}
	require.NoError(t, Unmarshal(data1, rx))
	require.Len(t, rx.Pin, 1)

	// Reusing the same buffer must not leak the previous pin list.
	require.NoError(t, Unmarshal(data2, rx))
	assert.Equal(t, MsgPingAcknowledge, rx.Type)
	assert.Empty(t, rx.Pin)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	rx := &Container{}
	assert.Error(t, Unmarshal([]byte{0xff, 0x00, 0x13, 0x37}, rx))
}

func TestContainerTypeString(t *testing.T) {
	assert.Equal(t, "HALRCOMP_BIND", MsgHalrcompBind.String())
	assert.Equal(t, "PING", MsgPing.String())
	assert.Equal(t, "UNKNOWN(99)", ContainerType(99).String())
}
