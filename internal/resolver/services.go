package resolver

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
)

type serviceKey struct {
	port  uint16
	proto string
}

// Services maps transport ports to service names.
type Services map[serviceKey]string

var builtin = Services{
	{20, "tcp"}: "ftp-data", {21, "tcp"}: "ftp", {22, "tcp"}: "ssh",
	{23, "tcp"}: "telnet", {25, "tcp"}: "smtp", {53, "tcp"}: "domain",
	{53, "udp"}: "domain", {67, "udp"}: "bootps", {68, "udp"}: "bootpc",
	{80, "tcp"}: "http", {110, "tcp"}: "pop3", {123, "udp"}: "ntp",
	{143, "tcp"}: "imap2", {161, "udp"}: "snmp", {179, "tcp"}: "bgp",
	{389, "tcp"}: "ldap", {443, "tcp"}: "https", {443, "udp"}: "https",
	{465, "tcp"}: "submissions", {514, "udp"}: "syslog", {587, "tcp"}: "submission",
	{636, "tcp"}: "ldaps", {853, "tcp"}: "domain-s", {993, "tcp"}: "imaps",
	{995, "tcp"}: "pop3s", {1194, "udp"}: "openvpn", {3306, "tcp"}: "mysql",
	{4222, "tcp"}: "nats", {5353, "udp"}: "mdns", {5432, "tcp"}: "postgresql",
	{6379, "tcp"}: "redis", {8080, "tcp"}: "http-alt", {9000, "tcp"}: "clickhouse",
}

// Builtin returns the well-known service table used when no services file is
// available.
func Builtin() Services {
	out := make(Services, len(builtin))
	for k, v := range builtin {
		out[k] = v
	}
	return out
}

// ParseServices reads the services(5) format: "name port/proto aliases...".
// Comments start with '#'. The first name listed for a port wins.
func ParseServices(r io.Reader) (Services, error) {
	out := make(Services)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		portStr, proto, ok := strings.Cut(fields[1], "/")
		if !ok {
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}
		key := serviceKey{port: uint16(port), proto: strings.ToLower(proto)}
		if _, dup := out[key]; !dup {
			out[key] = fields[0]
		}
	}
	return out, scanner.Err()
}

// LoadServices parses a services file.
func LoadServices(path string) (Services, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseServices(f)
}

// Lookup returns the service name for a port, or "" if unknown.
func (s Services) Lookup(port uint16, proto layers.IPProtocol) string {
	var name string
	switch proto {
	case layers.IPProtocolTCP:
		name = "tcp"
	case layers.IPProtocolUDP:
		name = "udp"
	default:
		return ""
	}
	if svc, ok := s[serviceKey{port, name}]; ok {
		return svc
	}
	return builtin[serviceKey{port, name}]
}
