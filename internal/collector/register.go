package collector

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/factory"
	"Go2ConnTrack/internal/metrics"
	"Go2ConnTrack/internal/model"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	factory.RegisterSink("log", func(_ config.SinkDef, logger zerolog.Logger) (model.Collector, error) {
		return NewLogSink(logger), nil
	})
	factory.RegisterSink("gob", func(def config.SinkDef, _ zerolog.Logger) (model.Collector, error) {
		root := def.Gob.RootPath
		if root == "" {
			root = "connections"
		}
		return NewGobSink(root, time.Now())
	})
	factory.RegisterSink("clickhouse", func(def config.SinkDef, logger zerolog.Logger) (model.Collector, error) {
		return NewClickHouseSink(def.ClickHouse, logger)
	})
}

// New builds the sinks named in cfg and wraps them in a Dispatcher.
func New(cfg config.CollectorConfig, logger zerolog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	sinks, err := factory.CreateSinks(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewDispatcher(cfg.QueueSize, sinks, logger, m), nil
}
