package probe

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/model"
	"context"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 8192

// Subscriber receives packet events published by a remote probe. It
// implements model.PacketSource.
type Subscriber struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger

	invalid atomic.Uint64
}

// NewSubscriber connects to NATS.
func NewSubscriber(cfg config.ProbeConfig, logger zerolog.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("ct-top"))
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "subscriber").Logger()
	logger.Info().Str("url", cfg.NATSURL).Msg("Connected to NATS")
	return &Subscriber{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Run subscribes and forwards decoded events to out until ctx is done.
// Undecodable messages are dropped.
func (s *Subscriber) Run(ctx context.Context, out chan<- *model.PacketEvent) error {
	msgs := make(chan *nats.Msg, subscriberBuffer)
	sub, err := s.nc.ChanSubscribe(s.subject, msgs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	s.logger.Info().Str("subject", s.subject).Msg("Subscribed, waiting for packets")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			ev, err := Decode(msg.Data)
			if err != nil {
				if s.invalid.Add(1) == 1 {
					s.logger.Warn().Err(err).Msg("Dropping undecodable message")
				}
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Invalid returns the number of dropped undecodable messages.
func (s *Subscriber) Invalid() uint64 {
	return s.invalid.Load()
}

// Close closes the NATS connection.
func (s *Subscriber) Close() {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info().Msg("NATS connection closed")
	}
}
