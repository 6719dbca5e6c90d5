package decode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Radius float64       `mapstructure:"radius_m" json:"radius"`
	Window time.Duration `mapstructure:"window"`
	Limit  int           `mapstructure:"limit"`
	Name   string        `mapstructure:"name"`
}

func TestIntoOverlays(t *testing.T) {
	s := sample{Radius: 100, Name: "keep"}
	require.NoError(t, Into(map[string]any{"radius_m": "250", "window": "30s", "limit": 7.0}, &s))
	assert.Equal(t, 250.0, s.Radius)
	assert.Equal(t, 30*time.Second, s.Window)
	assert.Equal(t, 7, s.Limit)
	assert.Equal(t, "keep", s.Name)
}

func TestMapAndTags(t *testing.T) {
	out, err := Map[sample](map[string]any{"radius": 5}, Options{TagName: "json"})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out.Radius)

	_, err = Map[sample](map[string]any{"window": "later"})
	assert.Error(t, err)

	_, err = Map[sample](map[string]any{"limit": "7"}, Options{WeaklyTypedInput: false})
	assert.Error(t, err)
}

func TestSection(t *testing.T) {
	m := map[string]any{"presence": map[string]any{"a": 1}, "b": 2}
	assert.Equal(t, map[string]any{"a": 1}, Section(m, "presence"))
	assert.Equal(t, m, Section(m, "missing"))
}
