// Package endpoint defines the immutable Endpoint value and the
// EndpointGroup types (static and dynamic) that select among them.
package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Endpoint is an immutable host/port target, optionally pre-resolved to an
// IP literal. Equality is host+port+ipAddr; Weight is metadata only and
// does not participate in equality.
type Endpoint struct {
	Host   string
	IPAddr string // empty if unresolved; a plain (unbracketed) IP literal otherwise
	Port   uint16
	Weight int
	Attrs  map[string]string
}

const defaultWeight = 1000

// New validates and constructs an Endpoint. host may be a DNS name or a
// bracketed/plain IP literal; port 0 means unspecified.
func New(host string, port uint16) (Endpoint, error) {
	return NewWithWeight(host, port, defaultWeight)
}

// NewWithWeight is New with an explicit selection weight.
func NewWithWeight(host string, port uint16, weight int) (Endpoint, error) {
	h, ip, err := normalizeHost(host)
	if err != nil {
		return Endpoint{}, err
	}
	if weight < 0 {
		return Endpoint{}, fmt.Errorf("endpoint: negative weight %d", weight)
	}
	return Endpoint{Host: h, IPAddr: ip, Port: port, Weight: weight}, nil
}

// WithAttr returns a copy of e with attribute key set to value.
func (e Endpoint) WithAttr(key, value string) Endpoint {
	out := e
	out.Attrs = make(map[string]string, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		out.Attrs[k] = v
	}
	out.Attrs[key] = value
	return out
}

// Attr returns the attribute value for key, if present.
func (e Endpoint) Attr(key string) (string, bool) {
	v, ok := e.Attrs[key]
	return v, ok
}

// Equal compares host, port and ip address only; Weight and Attrs are
// metadata and do not affect equality.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Host == o.Host && e.Port == o.Port && e.IPAddr == o.IPAddr
}

// Authority renders host:port (bracketed if host is an IPv6 literal).
func (e Endpoint) Authority() string {
	host := e.Host
	if e.IPAddr != "" {
		host = e.IPAddr
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if e.Port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(int(e.Port))
}

func (e Endpoint) String() string {
	return e.Authority()
}

// normalizeHost strips brackets from an IPv6 literal and validates that
// host is either a syntactically valid DNS name or an IP literal.
func normalizeHost(host string) (name, ip string, err error) {
	if host == "" {
		return "", "", fmt.Errorf("endpoint: empty host")
	}
	trimmed := host
	if strings.HasPrefix(trimmed, "[") {
		if !strings.HasSuffix(trimmed, "]") {
			return "", "", fmt.Errorf("endpoint: unterminated ipv6 literal %q", host)
		}
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	if looksLikeIP(trimmed) {
		return trimmed, trimmed, nil
	}
	if !isValidDomain(trimmed) {
		return "", "", fmt.Errorf("endpoint: invalid host %q", host)
	}
	return trimmed, "", nil
}

func looksLikeIP(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		case c == '.' || c == ':' || c == '%':
		default:
			return false
		}
	}
	return strings.Contains(s, ".") || strings.Contains(s, ":")
}

func isValidDomain(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	labels := strings.Split(strings.TrimSuffix(s, "."), ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for i, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			case c == '-' && i != 0 && i != len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}
