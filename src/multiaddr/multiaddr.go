// Package multiaddr implements the subset of the multiaddress format that
// the overlay speaks: /ip4, /ip6, /dns, /dns4 and /dns6 hosts, /tcp and
// /udp/quic-v1 transports, and an optional trailing /p2p/<id> identity
// segment. The legacy /ipfs/<id> spelling is accepted and rewritten to
// /p2p/<id> before interpretation.
package multiaddr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrInvalidAddress wraps every parse failure.
	ErrInvalidAddress = errors.New("invalid multiaddress")

	// ErrNoDialTarget is returned when an address carries no dialable
	// transport component.
	ErrNoDialTarget = errors.New("multiaddress has no dialable transport")
)

const (
	protoIP4  = "ip4"
	protoIP6  = "ip6"
	protoDNS  = "dns"
	protoDNS4 = "dns4"
	protoDNS6 = "dns6"
	protoTCP  = "tcp"
	protoUDP  = "udp"
	protoQUIC = "quic-v1"
	protoP2P  = "p2p"

	// legacy alias for the identity protocol
	protoIPFS = "ipfs"
)

type component struct {
	proto string
	value string
}

// Multiaddr is a parsed, normalized multiaddress. The zero value is empty.
type Multiaddr struct {
	parts []component
}

// Parse validates and normalizes a multiaddress string.
func Parse(s string) (Multiaddr, error) {
	if len(s) == 0 || s[0] != '/' {
		return Multiaddr{}, fmt.Errorf("%w: %q must begin with '/'", ErrInvalidAddress, s)
	}

	segs := strings.Split(strings.TrimSuffix(s[1:], "/"), "/")

	var parts []component

	for i := 0; i < len(segs); i++ {
		proto := segs[i]

		if proto == protoIPFS {
			proto = protoP2P
		}

		switch proto {
		case "":
			return Multiaddr{}, fmt.Errorf("%w: %q contains an empty segment", ErrInvalidAddress, s)

		case protoQUIC:
			parts = append(parts, component{proto: protoQUIC})

		case protoIP4, protoIP6, protoDNS, protoDNS4, protoDNS6,
			protoTCP, protoUDP, protoP2P:
			if i+1 >= len(segs) {
				return Multiaddr{}, fmt.Errorf("%w: /%s requires a value", ErrInvalidAddress, proto)
			}
			i++
			if err := checkValue(proto, segs[i]); err != nil {
				return Multiaddr{}, err
			}
			parts = append(parts, component{proto: proto, value: segs[i]})

		default:
			return Multiaddr{}, fmt.Errorf("%w: unknown protocol /%s", ErrInvalidAddress, proto)
		}
	}

	m := Multiaddr{parts: parts}

	if err := m.checkStructure(); err != nil {
		return Multiaddr{}, err
	}

	return m, nil
}

// MustParse is Parse for hard-coded addresses. It panics on error.
func MustParse(s string) Multiaddr {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func checkValue(proto, value string) error {
	switch proto {
	case protoIP4:
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidAddress, value)
		}
	case protoIP6:
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("%w: %q is not an IPv6 address", ErrInvalidAddress, value)
		}
	case protoTCP, protoUDP:
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%w: %q is not a port number", ErrInvalidAddress, value)
		}
	case protoDNS, protoDNS4, protoDNS6, protoP2P:
		if value == "" {
			return fmt.Errorf("%w: /%s requires a value", ErrInvalidAddress, proto)
		}
	}
	return nil
}

func (m Multiaddr) checkStructure() error {
	for i, c := range m.parts {
		switch c.proto {
		case protoP2P:
			if i != len(m.parts)-1 {
				return fmt.Errorf("%w: /p2p must be the final segment", ErrInvalidAddress)
			}
		case protoQUIC:
			if i == 0 || m.parts[i-1].proto != protoUDP {
				return fmt.Errorf("%w: /quic-v1 must follow /udp", ErrInvalidAddress)
			}
		}
	}
	return nil
}

// Empty reports whether the address has no components.
func (m Multiaddr) Empty() bool {
	return len(m.parts) == 0
}

// String renders the canonical (normalized) form.
func (m Multiaddr) String() string {
	var b strings.Builder
	for _, c := range m.parts {
		b.WriteByte('/')
		b.WriteString(c.proto)
		if c.value != "" {
			b.WriteByte('/')
			b.WriteString(c.value)
		}
	}
	return b.String()
}

// Equal compares canonical forms.
func (m Multiaddr) Equal(o Multiaddr) bool {
	return m.String() == o.String()
}

// PeerID returns the trailing /p2p identity value, or "".
func (m Multiaddr) PeerID() string {
	if n := len(m.parts); n > 0 && m.parts[n-1].proto == protoP2P {
		return m.parts[n-1].value
	}
	return ""
}

// StripPeerID splits the address into its transport part and the trailing
// identity segment. Dialing wants the bare transport address; the identity
// becomes the expected remote peer.
func (m Multiaddr) StripPeerID() (Multiaddr, string) {
	id := m.PeerID()
	if id == "" {
		return m, ""
	}
	return Multiaddr{parts: m.parts[:len(m.parts)-1]}, id
}

// WithPeerID returns the address with the trailing identity segment replaced
// or appended.
func (m Multiaddr) WithPeerID(id string) Multiaddr {
	base, _ := m.StripPeerID()
	parts := make([]component, len(base.parts), len(base.parts)+1)
	copy(parts, base.parts)
	parts = append(parts, component{proto: protoP2P, value: id})
	return Multiaddr{parts: parts}
}

// DialTarget maps the address onto a stream network and a host:port string.
// TCP addresses dial "tcp"; /udp/quic-v1 addresses dial "quic".
func (m Multiaddr) DialTarget() (network string, address string, err error) {
	var host, port string
	quic := false

	for _, c := range m.parts {
		switch c.proto {
		case protoIP4, protoIP6, protoDNS, protoDNS4, protoDNS6:
			host = c.value
		case protoTCP:
			network = "tcp"
			port = c.value
		case protoUDP:
			port = c.value
		case protoQUIC:
			quic = true
		}
	}

	if quic {
		network = "quic"
	}

	if host == "" || port == "" || network == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNoDialTarget, m)
	}

	return network, net.JoinHostPort(host, port), nil
}

// Host returns the host component value, or "".
func (m Multiaddr) Host() string {
	for _, c := range m.parts {
		switch c.proto {
		case protoIP4, protoIP6, protoDNS, protoDNS4, protoDNS6:
			return c.value
		}
	}
	return ""
}

// FromNetAddr builds a multiaddress from a bound socket address. TCP
// listeners map to /ipX/H/tcp/P, UDP (QUIC) listeners to
// /ipX/H/udp/P/quic-v1.
func FromNetAddr(a net.Addr) (Multiaddr, error) {
	var (
		ip    net.IP
		port  int
		parts []component
	)

	switch a := a.(type) {
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
		parts = hostComponents(ip)
		parts = append(parts, component{proto: protoTCP, value: strconv.Itoa(port)})
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
		parts = hostComponents(ip)
		parts = append(parts,
			component{proto: protoUDP, value: strconv.Itoa(port)},
			component{proto: protoQUIC})
	default:
		return Multiaddr{}, fmt.Errorf("%w: unsupported net.Addr %T", ErrInvalidAddress, a)
	}

	return Multiaddr{parts: parts}, nil
}

// FromHostPort builds a multiaddress from a stream network name and a
// host:port string. It is the reverse of DialTarget.
func FromHostPort(network, hostPort string) (Multiaddr, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Multiaddr{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	if err := checkValue(protoTCP, port); err != nil {
		return Multiaddr{}, err
	}

	var parts []component

	if ip := net.ParseIP(host); ip != nil || host == "" {
		parts = hostComponents(ip)
	} else {
		parts = []component{{proto: protoDNS, value: host}}
	}

	switch network {
	case "tcp":
		parts = append(parts, component{proto: protoTCP, value: port})
	case "quic":
		parts = append(parts,
			component{proto: protoUDP, value: port},
			component{proto: protoQUIC})
	default:
		return Multiaddr{}, fmt.Errorf("%w: unknown network %q", ErrInvalidAddress, network)
	}

	return Multiaddr{parts: parts}, nil
}

func hostComponents(ip net.IP) []component {
	if ip4 := ip.To4(); ip4 != nil {
		return []component{{proto: protoIP4, value: ip4.String()}}
	}
	if ip == nil || ip.IsUnspecified() {
		return []component{{proto: protoIP4, value: "0.0.0.0"}}
	}
	return []component{{proto: protoIP6, value: ip.String()}}
}

// MarshalText implements encoding.TextMarshaler.
func (m Multiaddr) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Multiaddr) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
