package flow

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// LocalNetworks builds a predicate matching any of the given prefixes.
func LocalNetworks(prefixes ...netip.Prefix) LocalPredicate {
	ps := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		ps = append(ps, p.Masked())
	}
	return func(a netip.Addr) bool {
		a = a.Unmap()
		for _, p := range ps {
			if p.Contains(a) {
				return true
			}
		}
		return false
	}
}

// ParsePrefixes parses CIDR prefixes or bare addresses. A bare address is
// treated as a single-host prefix.
func ParsePrefixes(items []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("invalid network %q: %w", item, err)
			}
			out = append(out, p)
			continue
		}
		a, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", item, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// ParseAddrs parses a list of plain addresses.
func ParseAddrs(items []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(items))
	for _, item := range items {
		a, err := netip.ParseAddr(strings.TrimSpace(item))
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", item, err)
		}
		out = append(out, a.Unmap())
	}
	return out, nil
}

// LoadNetworksFile reads one network per line. Blank lines and lines starting
// with '#' are ignored.
func LoadNetworksFile(path string) ([]netip.Prefix, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ParsePrefixes(lines)
}
