// Package halremote implements the client side of a remote HAL
// component: a typed pin data model, a registry indexing pins by name
// and by server-assigned handle, and the RemoteComponent composite that
// keeps local and remote pin values mirrored over the machinetalk
// session layer.
package halremote

import (
	"fmt"
	"sync"

	"github.com/openmach/halbridge/halproto"
)

// Value is a tagged pin value. The zero Value is invalid; construct
// values with BitValue, FloatValue, S32Value or U32Value.
type Value struct {
	typ      halproto.ValueType
	bitVal   bool
	floatVal float64
	s32Val   int32
	u32Val   uint32
}

// BitValue returns a Bit value.
func BitValue(v bool) Value { return Value{typ: halproto.ValueTypeBit, bitVal: v} }

// FloatValue returns a Float value.
func FloatValue(v float64) Value { return Value{typ: halproto.ValueTypeFloat, floatVal: v} }

// S32Value returns a S32 value.
func S32Value(v int32) Value { return Value{typ: halproto.ValueTypeS32, s32Val: v} }

// U32Value returns a U32 value.
func U32Value(v uint32) Value { return Value{typ: halproto.ValueTypeU32, u32Val: v} }

// ZeroValue returns the zero value for the given pin type.
func ZeroValue(typ halproto.ValueType) Value { return Value{typ: typ} }

// Type returns the value's dynamic type tag.
func (v Value) Type() halproto.ValueType { return v.typ }

// Bit returns the boolean payload; false if the tag does not match.
func (v Value) Bit() bool { return v.typ == halproto.ValueTypeBit && v.bitVal }

// Float returns the float payload; 0 if the tag does not match.
func (v Value) Float() float64 {
	if v.typ != halproto.ValueTypeFloat {
		return 0
	}
	return v.floatVal
}

// S32 returns the signed payload; 0 if the tag does not match.
func (v Value) S32() int32 {
	if v.typ != halproto.ValueTypeS32 {
		return 0
	}
	return v.s32Val
}

// U32 returns the unsigned payload; 0 if the tag does not match.
func (v Value) U32() uint32 {
	if v.typ != halproto.ValueTypeU32 {
		return 0
	}
	return v.u32Val
}

// Interface returns the payload as an untyped value, for JSON surfaces.
func (v Value) Interface() interface{} {
	switch v.typ {
	case halproto.ValueTypeBit:
		return v.bitVal
	case halproto.ValueTypeFloat:
		return v.floatVal
	case halproto.ValueTypeS32:
		return v.s32Val
	case halproto.ValueTypeU32:
		return v.u32Val
	default:
		return nil
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%v", v.Interface())
}

// Equal reports whether both tag and payload match.
func (v Value) Equal(o Value) bool { return v == o }

// valueFromWire extracts the tagged value carried by a wire pin record.
// Exactly one value field must be present.
func valueFromWire(p *halproto.Pin) (Value, error) {
	set := 0
	for _, present := range []bool{p.HalBit != nil, p.HalFloat != nil, p.HalS32 != nil, p.HalU32 != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return Value{}, fmt.Errorf("pin record carries %d values", set)
	}

	switch {
	case p.HalBit != nil:
		return BitValue(*p.HalBit), nil
	case p.HalFloat != nil:
		return FloatValue(*p.HalFloat), nil
	case p.HalS32 != nil:
		return S32Value(*p.HalS32), nil
	case p.HalU32 != nil:
		return U32Value(*p.HalU32), nil
	default:
		return Value{}, fmt.Errorf("pin record carries no value")
	}
}

// valueToWire writes the tagged value into a wire pin record.
func valueToWire(v Value, p *halproto.Pin) {
	switch v.typ {
	case halproto.ValueTypeBit:
		b := v.bitVal
		p.HalBit = &b
	case halproto.ValueTypeFloat:
		f := v.floatVal
		p.HalFloat = &f
	case halproto.ValueTypeS32:
		s := v.s32Val
		p.HalS32 = &s
	case halproto.ValueTypeU32:
		u := v.u32Val
		p.HalU32 = &u
	}
}

// Pin is one typed named value exchanged with the remote HAL. Pins are
// created by the hosting application before the component is started
// and registered on start. The remote-assigned handle becomes known
// once the first full update after a bind confirm arrives.
type Pin struct {
	mu sync.Mutex

	name    string
	typ     halproto.ValueType
	dir     halproto.PinDirection
	enabled bool

	handle    uint32
	hasHandle bool
	synced    bool
	value     Value

	onChange        func(*Pin) // outbound hook, owned by the registry
	onValueChanged  func(*Pin)
	onSyncedChanged func(*Pin)
}

// NewPin creates an enabled pin holding the zero value of its type.
func NewPin(name string, typ halproto.ValueType, dir halproto.PinDirection) *Pin {
	return &Pin{
		name:    name,
		typ:     typ,
		dir:     dir,
		enabled: true,
		value:   ZeroValue(typ),
	}
}

// Name returns the component-local pin name.
func (p *Pin) Name() string { return p.name }

// Type returns the pin's value type.
func (p *Pin) Type() halproto.ValueType { return p.typ }

// Direction returns the pin direction.
func (p *Pin) Direction() halproto.PinDirection { return p.dir }

// Enabled reports whether the pin takes part in registration.
func (p *Pin) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetEnabled excludes or includes the pin in future registrations.
// Disabled pins are never registered.
func (p *Pin) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// Handle returns the remote-assigned handle and whether it is known.
func (p *Pin) Handle() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle, p.hasHandle
}

// Synced reports whether the local value reflects the remote state.
func (p *Pin) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Value returns the current pin value.
func (p *Pin) Value() Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// OnValueChanged registers an observer invoked after every value
// change, local or remote. The callback must not block.
func (p *Pin) OnValueChanged(fn func(*Pin)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onValueChanged = fn
}

// OnSyncedChanged registers an observer invoked when the synced flag
// flips. The callback must not block.
func (p *Pin) OnSyncedChanged(fn func(*Pin)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSyncedChanged = fn
}

// SetValue updates the pin from the hosting application. The value's
// type must match the pin type. The pin becomes unsynced until the
// remote side reflects the change back. Writing an equal value is a
// no-op.
func (p *Pin) SetValue(v Value) error {
	if v.typ != p.typ {
		return fmt.Errorf("pin %s: cannot assign %s value to %s pin", p.name, v.typ, p.typ)
	}

	p.mu.Lock()
	if p.value.Equal(v) {
		p.mu.Unlock()
		return nil
	}
	p.value = v
	syncedFlipped := p.synced
	p.synced = false
	valueChanged := p.onValueChanged
	syncedChanged := p.onSyncedChanged
	change := p.onChange
	p.mu.Unlock()

	if valueChanged != nil {
		valueChanged(p)
	}
	if syncedFlipped && syncedChanged != nil {
		syncedChanged(p)
	}
	if change != nil {
		change(p)
	}
	return nil
}

// applyRemote updates the pin from the wire with a checked type match.
// The write is silent: it marks the pin synced and never re-triggers
// the outbound path.
func (p *Pin) applyRemote(v Value) error {
	if v.typ != p.typ {
		return fmt.Errorf("pin %s: remote %s value does not match %s pin", p.name, v.typ, p.typ)
	}

	p.mu.Lock()
	changed := !p.value.Equal(v)
	p.value = v
	syncedFlipped := !p.synced
	p.synced = true
	valueChanged := p.onValueChanged
	syncedChanged := p.onSyncedChanged
	p.mu.Unlock()

	if changed && valueChanged != nil {
		valueChanged(p)
	}
	if syncedFlipped && syncedChanged != nil {
		syncedChanged(p)
	}
	return nil
}

func (p *Pin) setHandle(handle uint32) {
	p.mu.Lock()
	p.handle = handle
	p.hasHandle = true
	p.mu.Unlock()
}

func (p *Pin) clearHandle() {
	p.mu.Lock()
	p.handle = 0
	p.hasHandle = false
	p.mu.Unlock()
}

func (p *Pin) setSynced(synced bool) {
	p.mu.Lock()
	if p.synced == synced {
		p.mu.Unlock()
		return
	}
	p.synced = synced
	syncedChanged := p.onSyncedChanged
	p.mu.Unlock()

	if syncedChanged != nil {
		syncedChanged(p)
	}
}

func (p *Pin) setOnChange(fn func(*Pin)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}
