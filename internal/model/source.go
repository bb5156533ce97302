package model

import "context"

// PacketSource produces parsed packet events.
type PacketSource interface {
	// Run sends events to out until the source is exhausted or ctx is done.
	// It does not close out.
	Run(ctx context.Context, out chan<- *PacketEvent) error

	// Close releases the underlying capture resources.
	Close()
}
