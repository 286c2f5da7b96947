package halremote

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openmach/halbridge/halproto"
)

// PinRegistry indexes the pins of one component by name and, once the
// first full update arrived, by remote-assigned handle. The registry
// holds non-owning references; pins belong to the hosting application.
type PinRegistry struct {
	mu     sync.RWMutex
	logger *zap.Logger

	byName   map[string]*Pin
	byHandle map[uint32]*Pin
}

// NewPinRegistry creates an empty registry.
func NewPinRegistry(logger *zap.Logger) *PinRegistry {
	return &PinRegistry{
		logger:   logger,
		byName:   make(map[string]*Pin),
		byHandle: make(map[uint32]*Pin),
	}
}

// RegisterAll inserts every usable pin from the source into the name
// index and attaches the outbound change hook. Pins with an empty name
// and disabled pins are skipped. A duplicate name overwrites the
// previous entry.
func (r *PinRegistry) RegisterAll(pins []*Pin, onChange func(*Pin)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pin := range pins {
		if pin.Name() == "" || !pin.Enabled() { // ignore pins with empty name and disabled pins
			continue
		}
		if _, exists := r.byName[pin.Name()]; exists {
			r.logger.Warn("duplicate pin name, overwriting", zap.String("pin", pin.Name()))
		}
		r.byName[pin.Name()] = pin
		pin.setOnChange(onChange)

		r.logger.Debug("pin added", zap.String("pin", pin.Name()))
	}
}

// Clear detaches all change hooks and drops both indices.
func (r *PinRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pin := range r.byName {
		pin.setOnChange(nil)
		pin.clearHandle()
	}
	r.byName = make(map[string]*Pin)
	r.byHandle = make(map[uint32]*Pin)
}

// BindHandle records the remote-assigned handle for a registered pin.
// Rebinding the same (pin, handle) pair is a no-op; a new handle for
// the same pin replaces the previous one so that no pin ever appears
// under two distinct handles.
func (r *PinRegistry) BindHandle(pin *Pin, handle uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, known := pin.Handle(); known {
		if old == handle {
			return
		}
		delete(r.byHandle, old)
	}
	pin.setHandle(handle)
	r.byHandle[handle] = pin
}

// ByName returns the pin registered under the given name, or nil.
func (r *PinRegistry) ByName(name string) *Pin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ByHandle returns the pin bound to the given handle, or nil. A nil
// result must be tolerated: the wire may race ahead of a local rebind.
func (r *PinRegistry) ByHandle(handle uint32) *Pin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byHandle[handle]
}

// UnsyncAll flips every registered pin to unsynced.
func (r *PinRegistry) UnsyncAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, pin := range r.byName {
		pin.setSynced(false)
	}
}

// ApplyRemote writes a wire pin value into the local pin with a
// checked type match. The write does not re-trigger the outbound path.
func (r *PinRegistry) ApplyRemote(pin *Pin, remote *halproto.Pin) error {
	value, err := valueFromWire(remote)
	if err != nil {
		return fmt.Errorf("pin %s: %w", pin.Name(), err)
	}
	return pin.applyRemote(value)
}

// Pins returns the registered pins sorted by name.
func (r *PinRegistry) Pins() []*Pin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pins := make([]*Pin, 0, len(r.byName))
	for _, pin := range r.byName {
		pins = append(pins, pin)
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Name() < pins[j].Name() })
	return pins
}

// Len returns the number of registered pins.
func (r *PinRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// HandleCount returns the number of pins with a bound handle.
func (r *PinRegistry) HandleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}
