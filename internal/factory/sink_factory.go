package factory

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/model"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// SinkFactory creates a disposal sink from its definition.
type SinkFactory func(def config.SinkDef, logger zerolog.Logger) (model.Collector, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]SinkFactory)
)

// RegisterSink registers a sink type with its factory function.
func RegisterSink(name string, factory SinkFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("sink type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered returns the registered sink types in sorted order.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateSinks creates every enabled sink in cfg. An unknown type is an error;
// a sink that fails to start is skipped with a warning, so a missing database
// does not stop the tracker.
func CreateSinks(cfg config.CollectorConfig, logger zerolog.Logger) ([]model.Collector, error) {
	mu.RLock()
	defer mu.RUnlock()

	sinks := make([]model.Collector, 0, len(cfg.Sinks))
	for _, def := range cfg.Sinks {
		if !def.Enabled {
			continue
		}
		factory, ok := registry[def.Type]
		if !ok {
			return nil, fmt.Errorf("unknown sink type: '%s'", def.Type)
		}
		sink, err := factory(def, logger)
		if err != nil {
			logger.Warn().Err(err).Str("type", def.Type).Msg("Failed to create sink, skipping")
			continue
		}
		logger.Debug().Str("type", def.Type).Msg("Sink created")
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
