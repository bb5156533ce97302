package factory

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/model"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSink struct{ name string }

func (nopSink) Collect(model.Connection) error { return nil }
func (nopSink) Close() error                   { return nil }

func init() {
	RegisterSink("test-ok", func(def config.SinkDef, _ zerolog.Logger) (model.Collector, error) {
		return nopSink{name: def.Gob.RootPath}, nil
	})
	RegisterSink("test-broken", func(config.SinkDef, zerolog.Logger) (model.Collector, error) {
		return nil, errors.New("unreachable backend")
	})
}

func TestCreateSinks(t *testing.T) {
	cfg := config.CollectorConfig{Sinks: []config.SinkDef{
		{Type: "test-ok", Enabled: true, Gob: config.GobConfig{RootPath: "a"}},
		{Type: "test-ok", Enabled: false},
		{Type: "test-broken", Enabled: true},
		{Type: "test-ok", Enabled: true, Gob: config.GobConfig{RootPath: "b"}},
	}}

	sinks, err := CreateSinks(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Equal(t, "a", sinks[0].(nopSink).name)
	assert.Equal(t, "b", sinks[1].(nopSink).name)
}

func TestCreateSinks_UnknownType(t *testing.T) {
	_, err := CreateSinks(config.CollectorConfig{Sinks: []config.SinkDef{{Type: "kafka", Enabled: true}}}, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown sink type")
}

func TestRegisterSink_Duplicate(t *testing.T) {
	assert.Panics(t, func() {
		RegisterSink("test-ok", nil)
	})
	assert.Contains(t, Registered(), "test-broken")
}
