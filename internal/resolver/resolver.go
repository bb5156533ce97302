// Package resolver provides best-effort reverse DNS and service names for
// tracked endpoints.
package resolver

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/model"
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultCacheSize   = 4096
	defaultCacheTTL    = time.Hour
	defaultNegativeTTL = time.Minute
)

// LookupAddrFunc performs a reverse lookup, like net.Resolver.LookupAddr.
type LookupAddrFunc func(ctx context.Context, addr string) ([]string, error)

// DNS resolves endpoints to hostnames and service names. Failures leave the
// address as the hostname. Resolved names and failures are cached per address
// in separate bounded LRUs; failures expire sooner so they are retried.
type DNS struct {
	lookup   LookupAddrFunc
	timeout  time.Duration
	sem      *semaphore.Weighted
	services Services
	logger   zerolog.Logger

	hosts    *expirable.LRU[netip.Addr, string]
	failures *expirable.LRU[netip.Addr, string]
}

// New creates a resolver. A nil lookup uses the system resolver. A services
// file that cannot be read falls back to the built-in table.
func New(cfg config.ResolverConfig, lookup LookupAddrFunc, logger zerolog.Logger) *DNS {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupAddr
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	inflight := cfg.MaxInflight
	if inflight <= 0 {
		inflight = 32
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl, negTTL := cfg.CacheTTL.Std(), cfg.NegativeTTL.Std()
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if negTTL <= 0 {
		negTTL = defaultNegativeTTL
	}

	logger = logger.With().Str("component", "resolver").Logger()
	services := Builtin()
	if cfg.ServicesFile != "" {
		loaded, err := LoadServices(cfg.ServicesFile)
		if err != nil {
			logger.Warn().Err(err).Str("file", cfg.ServicesFile).Msg("Using built-in service names")
		} else {
			services = loaded
		}
	}

	return &DNS{
		lookup:   lookup,
		timeout:  timeout,
		sem:      semaphore.NewWeighted(inflight),
		services: services,
		logger:   logger,
		hosts:    expirable.NewLRU[netip.Addr, string](size, nil, ttl),
		failures: expirable.NewLRU[netip.Addr, string](size, nil, negTTL),
	}
}

// Resolve returns the hostname and service name of an endpoint. It blocks for
// at most the lookup timeout, or until ctx is done.
func (d *DNS) Resolve(ctx context.Context, ep model.Endpoint, proto layers.IPProtocol) (host, service string) {
	if ep.Port != 0 {
		service = d.services.Lookup(ep.Port, proto)
	}
	return d.host(ctx, ep.Addr), service
}

func (d *DNS) host(ctx context.Context, addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	if h, ok := d.hosts.Get(addr); ok {
		return h
	}
	if h, ok := d.failures.Get(addr); ok {
		return h
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return ""
	}
	defer d.sem.Release(1)

	lctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	h := addr.String()
	names, err := d.lookup(lctx, h)
	switch {
	case err != nil:
		d.logger.Debug().Err(err).Str("addr", h).Msg("Reverse lookup failed")
		if ctx.Err() == nil {
			d.failures.Add(addr, h)
		}
	case len(names) > 0:
		h = strings.TrimSuffix(names[0], ".")
		d.hosts.Add(addr, h)
	default:
		d.failures.Add(addr, h)
	}
	return h
}

// Cached returns the number of cached host entries, resolved and failed.
func (d *DNS) Cached() int {
	return d.hosts.Len() + d.failures.Len()
}
