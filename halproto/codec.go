package halproto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("halproto: encoder init: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("halproto: decoder init: %v", err))
	}
}

// Marshal serializes a container to its wire representation.
func Marshal(c *Container) ([]byte, error) {
	data, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode container: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a wire payload into rx. The container is
// cleared first so receive buffers can be reused across messages.
func Unmarshal(data []byte, rx *Container) error {
	rx.Clear()
	if err := decMode.Unmarshal(data, rx); err != nil {
		return fmt.Errorf("decode container: %w", err)
	}
	return nil
}
