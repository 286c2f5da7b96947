package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmach/halbridge/halproto"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validProfile = `{
  "component": {
    "name": "mill",
    "pins": [
      {"name": "jog-velocity", "type": "float", "direction": "out", "value": 1.5},
      {"name": "enable", "type": "bit", "direction": "out", "value": true},
      {"name": "position", "type": "float", "direction": "in"},
      {"name": "spare", "type": "s32", "direction": "io", "enabled": false}
    ]
  }
}`

func TestLoadProfileAndBuildPins(t *testing.T) {
	path := writeProfile(t, validProfile)

	profile, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "mill", profile.Component.Name)

	pins, err := profile.BuildPins()
	require.NoError(t, err)
	require.Len(t, pins, 4)

	jog := pins[0]
	assert.Equal(t, "jog-velocity", jog.Name())
	assert.Equal(t, halproto.ValueTypeFloat, jog.Type())
	assert.Equal(t, halproto.DirectionOut, jog.Direction())
	assert.Equal(t, 1.5, jog.Value().Float())

	enable := pins[1]
	assert.Equal(t, halproto.ValueTypeBit, enable.Type())
	assert.True(t, enable.Value().Bit())

	assert.Equal(t, halproto.DirectionIn, pins[2].Direction())
	assert.False(t, pins[3].Enabled())
}

func TestLoadProfileRejectsUnknownType(t *testing.T) {
	path := writeProfile(t, `{
  "component": {
    "name": "mill",
    "pins": [
      {"name": "x", "type": "u64", "direction": "out"}
    ]
  }
}`)

	_, err := LoadProfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadProfileRejectsMissingPins(t *testing.T) {
	path := writeProfile(t, `{"component": {"name": "mill"}}`)

	_, err := LoadProfile(path)
	require.Error(t, err)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestBuildPinsRejectsWrongValueKind(t *testing.T) {
	profile := &ComponentProfile{
		Component: ComponentInfo{
			Name: "mill",
			Pins: []PinDefinition{
				{Name: "enable", Type: "bit", Direction: "out", Value: 1.0},
			},
		},
	}

	_, err := profile.BuildPins()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boolean")
}
