package display

import (
	"Go2ConnTrack/internal/model"
	"fmt"
	"time"
)

// FormatIdle renders an idle time in at most three characters: 5s, 12m, 3h.
func FormatIdle(d time.Duration) string {
	s := int(d / time.Second)
	switch {
	case s < 60:
		return fmt.Sprintf("%2ds", s)
	case s < 3600:
		return fmt.Sprintf("%2dm", s/60)
	default:
		return fmt.Sprintf("%2dh", s/3600)
	}
}

// FormatBytes renders a byte count or rate in eight characters.
func FormatBytes(n float64) string {
	const (
		kB = 1024.0
		MB = 1024 * kB
		GB = 1024 * MB
	)
	switch {
	case n < 1000:
		return fmt.Sprintf(" %4d  B", int64(n))
	case n < 10*kB:
		return fmt.Sprintf(" %4.2f kB", n/kB)
	case n < 100*kB:
		return fmt.Sprintf(" %4.1f kB", n/kB)
	case n < 1000*kB:
		return fmt.Sprintf(" %4.0f kB", n/kB)
	case n < 10*MB:
		return fmt.Sprintf("%4.2f  MB", n/MB)
	case n < 100*MB:
		return fmt.Sprintf("%4.1f  MB", n/MB)
	case n < 1000*MB:
		return fmt.Sprintf("%4.0f  MB", n/MB)
	default:
		return fmt.Sprintf("%4.2f  GB", n/GB)
	}
}

// FormatEndpoint renders an endpoint in width characters, preferring the
// resolved host and service names.
func FormatEndpoint(ep model.Endpoint, host, service string, width int) string {
	name := ep.Addr.String()
	if host != "" {
		name = host
	}
	port := fmt.Sprint(ep.Port)
	if service != "" {
		port = service
	}
	// Keep the port column visible; truncate the name.
	room := width - len(port) - 1
	if room < 1 {
		room = 1
	}
	if len(name) > room {
		name = name[:room]
	}
	return fmt.Sprintf("%-*s %s", room, name, port)
}
