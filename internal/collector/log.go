package collector

import (
	"Go2ConnTrack/internal/model"

	"github.com/rs/zerolog"
)

// LogSink writes one log line per disposed connection.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

// Collect logs the connection's final counters.
func (s *LogSink) Collect(c model.Connection) error {
	s.logger.Info().
		Str("id", c.ID).
		Str("client", c.Key.Client.String()).
		Str("server", c.Key.Server.String()).
		Str("proto", c.Key.Protocol.String()).
		Str("state", c.State.String()).
		Uint64("packets", c.Packets).
		Uint64("bytes", c.Bytes).
		Dur("duration", c.Duration()).
		Dur("idle", c.Idle).
		Msg("Connection closed out")
	return nil
}

// Close implements model.Collector.
func (s *LogSink) Close() error {
	return nil
}
