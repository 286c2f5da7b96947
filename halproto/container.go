package halproto

import "fmt"

// ContainerType discriminates the message envelope. The numeric values
// are part of the wire format and must not be reordered.
type ContainerType int32

const (
	MsgPing                      ContainerType = 10
	MsgPingAcknowledge           ContainerType = 11
	MsgHalrcompBind              ContainerType = 20
	MsgHalrcompBindConfirm       ContainerType = 21
	MsgHalrcompBindReject        ContainerType = 22
	MsgHalrcompSet               ContainerType = 23
	MsgHalrcompSetReject         ContainerType = 24
	MsgHalrcompFullUpdate        ContainerType = 25
	MsgHalrcompIncrementalUpdate ContainerType = 26
	MsgHalrcommandError          ContainerType = 27
)

func (t ContainerType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPingAcknowledge:
		return "PING_ACKNOWLEDGE"
	case MsgHalrcompBind:
		return "HALRCOMP_BIND"
	case MsgHalrcompBindConfirm:
		return "HALRCOMP_BIND_CONFIRM"
	case MsgHalrcompBindReject:
		return "HALRCOMP_BIND_REJECT"
	case MsgHalrcompSet:
		return "HALRCOMP_SET"
	case MsgHalrcompSetReject:
		return "HALRCOMP_SET_REJECT"
	case MsgHalrcompFullUpdate:
		return "HALRCOMP_FULL_UPDATE"
	case MsgHalrcompIncrementalUpdate:
		return "HALRCOMP_INCREMENTAL_UPDATE"
	case MsgHalrcommandError:
		return "HALRCOMMAND_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// ValueType is the HAL pin value type.
type ValueType int32

const (
	ValueTypeBit   ValueType = 1
	ValueTypeFloat ValueType = 2
	ValueTypeS32   ValueType = 3
	ValueTypeU32   ValueType = 4
)

func (t ValueType) String() string {
	switch t {
	case ValueTypeBit:
		return "bit"
	case ValueTypeFloat:
		return "float"
	case ValueTypeS32:
		return "s32"
	case ValueTypeU32:
		return "u32"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// PinDirection is the HAL pin direction seen from the remote component.
type PinDirection int32

const (
	DirectionIn  PinDirection = 1
	DirectionOut PinDirection = 2
	DirectionIO  PinDirection = 3
)

func (d PinDirection) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	case DirectionIO:
		return "io"
	default:
		return fmt.Sprintf("unknown(%d)", int32(d))
	}
}

// ProtocolParameters carries the server-advertised protocol settings.
type ProtocolParameters struct {
	// KeepaliveTimerMs is the server heartbeat interval in milliseconds.
	KeepaliveTimerMs int32 `cbor:"1,keyasint,omitempty"`
}

// Pin is one pin record. Exactly one of the value fields is set,
// matching Type. Handle identifies the pin in incremental updates;
// Name only appears in bind messages and full updates.
type Pin struct {
	Name     string       `cbor:"1,keyasint,omitempty"`
	Handle   uint32       `cbor:"2,keyasint,omitempty"`
	Type     ValueType    `cbor:"3,keyasint,omitempty"`
	Dir      PinDirection `cbor:"4,keyasint,omitempty"`
	HalBit   *bool        `cbor:"5,keyasint,omitempty"`
	HalFloat *float64     `cbor:"6,keyasint,omitempty"`
	HalS32   *int32       `cbor:"7,keyasint,omitempty"`
	HalU32   *uint32      `cbor:"8,keyasint,omitempty"`
}

// Component is one remote component record in a bind or full update.
type Component struct {
	Name     string `cbor:"1,keyasint,omitempty"`
	NoCreate bool   `cbor:"2,keyasint,omitempty"`
	Pin      []*Pin `cbor:"3,keyasint,omitempty"`
}

// Container is the top-level message envelope exchanged on both the
// halrcmd and halrcomp channels.
type Container struct {
	Type    ContainerType       `cbor:"1,keyasint"`
	Pparams *ProtocolParameters `cbor:"2,keyasint,omitempty"`
	Comp    []*Component        `cbor:"3,keyasint,omitempty"`
	Pin     []*Pin              `cbor:"4,keyasint,omitempty"`
	Note    []string            `cbor:"5,keyasint,omitempty"`
}

// Clear resets the container for reuse as a send buffer.
func (c *Container) Clear() {
	c.Type = 0
	c.Pparams = nil
	c.Comp = nil
	c.Pin = nil
	c.Note = nil
}

// AddComp appends a new component record and returns it.
func (c *Container) AddComp() *Component {
	comp := &Component{}
	c.Comp = append(c.Comp, comp)
	return comp
}

// AddPin appends a new pin record to the container and returns it.
func (c *Container) AddPin() *Pin {
	pin := &Pin{}
	c.Pin = append(c.Pin, pin)
	return pin
}

// AddPin appends a new pin record to the component and returns it.
func (comp *Component) AddPin() *Pin {
	pin := &Pin{}
	comp.Pin = append(comp.Pin, pin)
	return pin
}
