package halremote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmach/halbridge/halproto"
)

func TestPinSetValueTypeChecked(t *testing.T) {
	pin := NewPin("speed", halproto.ValueTypeFloat, halproto.DirectionOut)

	require.NoError(t, pin.SetValue(FloatValue(1.5)))
	assert.Equal(t, 1.5, pin.Value().Float())

	err := pin.SetValue(BitValue(true))
	require.Error(t, err)
	assert.Equal(t, 1.5, pin.Value().Float())
}

func TestPinSetValueUnsyncsAndNotifies(t *testing.T) {
	pin := NewPin("speed", halproto.ValueTypeFloat, halproto.DirectionOut)
	require.NoError(t, pin.applyRemote(FloatValue(1.0)))
	require.True(t, pin.Synced())

	var valueChanges, outbound int
	pin.OnValueChanged(func(*Pin) { valueChanges++ })
	pin.setOnChange(func(*Pin) { outbound++ })

	require.NoError(t, pin.SetValue(FloatValue(2.0)))
	assert.False(t, pin.Synced())
	assert.Equal(t, 1, valueChanges)
	assert.Equal(t, 1, outbound)

	// writing an equal value is a no-op
	require.NoError(t, pin.SetValue(FloatValue(2.0)))
	assert.Equal(t, 1, valueChanges)
	assert.Equal(t, 1, outbound)
}

func TestPinApplyRemoteIsSilent(t *testing.T) {
	pin := NewPin("speed", halproto.ValueTypeFloat, halproto.DirectionOut)

	var outbound int
	pin.setOnChange(func(*Pin) { outbound++ })

	require.NoError(t, pin.applyRemote(FloatValue(3.0)))
	assert.Equal(t, 3.0, pin.Value().Float())
	assert.True(t, pin.Synced())
	assert.Zero(t, outbound)
}

func TestPinApplyRemoteTypeMismatch(t *testing.T) {
	pin := NewPin("enable", halproto.ValueTypeBit, halproto.DirectionOut)

	err := pin.applyRemote(S32Value(1))
	require.Error(t, err)
	assert.False(t, pin.Synced())
}

func TestPinHandleLifecycle(t *testing.T) {
	pin := NewPin("speed", halproto.ValueTypeFloat, halproto.DirectionOut)

	_, known := pin.Handle()
	assert.False(t, known)

	pin.setHandle(7)
	handle, known := pin.Handle()
	assert.True(t, known)
	assert.Equal(t, uint32(7), handle)

	pin.clearHandle()
	_, known = pin.Handle()
	assert.False(t, known)
}

func TestValueAccessorsRespectTag(t *testing.T) {
	v := U32Value(42)
	assert.Equal(t, uint32(42), v.U32())
	assert.Zero(t, v.S32())
	assert.Zero(t, v.Float())
	assert.False(t, v.Bit())
	assert.Equal(t, halproto.ValueTypeU32, v.Type())
}

func TestValueFromWireRequiresExactlyOneField(t *testing.T) {
	_, err := valueFromWire(&halproto.Pin{Handle: 1})
	require.Error(t, err)

	f := 2.5
	value, err := valueFromWire(&halproto.Pin{Handle: 1, HalFloat: &f})
	require.NoError(t, err)
	assert.Equal(t, 2.5, value.Float())
}
