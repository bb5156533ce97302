package probe

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/model"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher publishes packet events to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewPublisher connects to NATS.
func NewPublisher(cfg config.ProbeConfig, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("ct-probe"))
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "publisher").Logger()
	logger.Info().Str("url", cfg.NATSURL).Str("subject", cfg.Subject).Msg("Connected to NATS")
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Publish encodes a packet event and publishes it.
func (p *Publisher) Publish(ev *model.PacketEvent) error {
	return p.nc.Publish(p.subject, Encode(ev))
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn().Err(err).Msg("NATS drain failed")
		}
		p.logger.Info().Msg("NATS connection drained and closed")
	}
}
