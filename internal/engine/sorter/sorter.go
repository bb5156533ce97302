// Package sorter orders connection snapshots for display.
package sorter

import (
	"Go2ConnTrack/internal/model"
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Key selects the ordering of a snapshot.
type Key int

const (
	// None keeps insertion order.
	None Key = iota
	// Rate orders by current rate, fastest first.
	Rate
	// Bytes orders by total bytes, largest first.
	Bytes
	// Idle puts the most idle connections first.
	Idle
	// Active puts the most recently active connections first.
	Active
	// First puts the newest connections first.
	First
	// Host groups by client hostname, then orders by rate.
	Host
)

var keyNames = [...]string{"none", "rate", "bytes", "idle", "active", "first", "host"}

func (k Key) String() string {
	if k < 0 || int(k) >= len(keyNames) {
		return fmt.Sprintf("Key(%d)", int(k))
	}
	return keyNames[k]
}

// Next returns the key after k in the display cycle.
func (k Key) Next() Key {
	return (k + 1) % Key(len(keyNames))
}

// ParseKey parses a key name as returned by String.
func ParseKey(s string) (Key, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "unsorted" {
		return None, nil
	}
	for i, name := range keyNames {
		if name == s {
			return Key(i), nil
		}
	}
	return None, fmt.Errorf("unknown sort key %q", s)
}

// Comparator returns the comparison function for k, or nil for None.
func Comparator(k Key) func(a, b model.Connection) int {
	switch k {
	case Rate:
		return byRate
	case Bytes:
		return byBytes
	case Idle:
		return byIdle
	case Active:
		return byActive
	case First:
		return byFirst
	case Host:
		return byHost
	default:
		return nil
	}
}

// Sort orders conns in place. The sort is stable, so equal connections keep
// their insertion order.
func Sort(conns []model.Connection, k Key) {
	if c := Comparator(k); c != nil {
		slices.SortStableFunc(conns, c)
	}
}

func byRate(a, b model.Connection) int {
	if c := cmp.Compare(b.Rate, a.Rate); c != 0 {
		return c
	}
	return byActive(a, b)
}

func byBytes(a, b model.Connection) int {
	if c := cmp.Compare(b.Bytes, a.Bytes); c != 0 {
		return c
	}
	return byActive(a, b)
}

func byIdle(a, b model.Connection) int {
	return cmp.Compare(b.Idle, a.Idle)
}

func byActive(a, b model.Connection) int {
	return cmp.Compare(a.Idle, b.Idle)
}

func byFirst(a, b model.Connection) int {
	return b.FirstSeen.Compare(a.FirstSeen)
}

// byHost groups by the client's display name. Unresolved hosts sort by
// address after all resolved names.
func byHost(a, b model.Connection) int {
	ha, hb := a.Names.ClientHost, b.Names.ClientHost
	switch {
	case ha != "" && hb == "":
		return -1
	case ha == "" && hb != "":
		return 1
	}
	if c := strings.Compare(ha, hb); c != 0 {
		return c
	}
	if ha == "" {
		if c := a.Key.Client.Addr.Compare(b.Key.Client.Addr); c != 0 {
			return c
		}
	}
	return byRate(a, b)
}
