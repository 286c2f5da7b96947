package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openmach/halbridge/halproto"
	"github.com/openmach/halbridge/halremote"
)

// ComponentProfile describes the pin set of one remote component.
type ComponentProfile struct {
	Component ComponentInfo `json:"component"`
}

type ComponentInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Pins        []PinDefinition `json:"pins"`
}

type PinDefinition struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Direction string      `json:"direction"`
	Value     interface{} `json:"value,omitempty"`
	Enabled   *bool       `json:"enabled,omitempty"`
}

// LoadProfile reads and validates a pin profile file.
func LoadProfile(path string) (*ComponentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile not found: %w", err)
	}

	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	if err := validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", path, err)
	}

	var profile ComponentProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	return &profile, nil
}

// BuildPins constructs the pin objects described by the profile.
func (p *ComponentProfile) BuildPins() ([]*halremote.Pin, error) {
	pins := make([]*halremote.Pin, 0, len(p.Component.Pins))

	for _, def := range p.Component.Pins {
		typ, err := parsePinType(def.Type)
		if err != nil {
			return nil, fmt.Errorf("pin %s: %w", def.Name, err)
		}
		dir, err := parsePinDirection(def.Direction)
		if err != nil {
			return nil, fmt.Errorf("pin %s: %w", def.Name, err)
		}

		pin := halremote.NewPin(def.Name, typ, dir)
		if def.Enabled != nil {
			pin.SetEnabled(*def.Enabled)
		}
		if def.Value != nil {
			value, err := parsePinValue(typ, def.Value)
			if err != nil {
				return nil, fmt.Errorf("pin %s: %w", def.Name, err)
			}
			if err := pin.SetValue(value); err != nil {
				return nil, err
			}
		}
		pins = append(pins, pin)
	}

	return pins, nil
}

func parsePinType(s string) (halproto.ValueType, error) {
	switch s {
	case "bit":
		return halproto.ValueTypeBit, nil
	case "float":
		return halproto.ValueTypeFloat, nil
	case "s32":
		return halproto.ValueTypeS32, nil
	case "u32":
		return halproto.ValueTypeU32, nil
	default:
		return 0, fmt.Errorf("unknown pin type: %s", s)
	}
}

func parsePinDirection(s string) (halproto.PinDirection, error) {
	switch s {
	case "in":
		return halproto.DirectionIn, nil
	case "out":
		return halproto.DirectionOut, nil
	case "io":
		return halproto.DirectionIO, nil
	default:
		return 0, fmt.Errorf("unknown pin direction: %s", s)
	}
}

// parsePinValue converts a JSON profile value into a typed pin value.
// JSON numbers arrive as float64.
func parsePinValue(typ halproto.ValueType, raw interface{}) (halremote.Value, error) {
	switch typ {
	case halproto.ValueTypeBit:
		b, ok := raw.(bool)
		if !ok {
			return halremote.Value{}, fmt.Errorf("bit pin needs a boolean value, got %T", raw)
		}
		return halremote.BitValue(b), nil
	case halproto.ValueTypeFloat:
		f, ok := raw.(float64)
		if !ok {
			return halremote.Value{}, fmt.Errorf("float pin needs a number value, got %T", raw)
		}
		return halremote.FloatValue(f), nil
	case halproto.ValueTypeS32:
		f, ok := raw.(float64)
		if !ok {
			return halremote.Value{}, fmt.Errorf("s32 pin needs a number value, got %T", raw)
		}
		return halremote.S32Value(int32(f)), nil
	case halproto.ValueTypeU32:
		f, ok := raw.(float64)
		if !ok || f < 0 {
			return halremote.Value{}, fmt.Errorf("u32 pin needs a non-negative number value, got %v", raw)
		}
		return halremote.U32Value(uint32(f)), nil
	default:
		return halremote.Value{}, fmt.Errorf("unknown pin type %d", typ)
	}
}
