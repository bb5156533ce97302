package model

import (
	"context"

	"github.com/google/gopacket/layers"
)

// Resolver performs best-effort name resolution for an endpoint.
// Failures are reported as empty strings, never as errors.
type Resolver interface {
	Resolve(ctx context.Context, ep Endpoint, proto layers.IPProtocol) (host, service string)
}
