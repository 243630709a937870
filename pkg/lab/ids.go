package lab

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidAddress indicates a management address that is not an IPv4 address.
var ErrInvalidAddress = errors.New("invalid management address")

// Base ports of the CML controller port forwarding. The forwarded port of a
// device is the base plus the last octet of its management address.
const (
	sshPortBase     = 2000
	netconfPortBase = 3000
	httpsPortBase   = 4000
	httpPortBase    = 8000
)

// NewTopologyID generates a unique topology ID with format: nb-<timestamp>-<random>
func NewTopologyID() string {
	timestamp := time.Now().Format("20060102-150405")
	random := uuid.NewString()[:8]
	return fmt.Sprintf("nb-%s-%s", timestamp, random)
}

// PortsFromAddress computes the forwarded service ports of a device from its
// management address.
func PortsFromAddress(address string) (Ports, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return Ports{}, fmt.Errorf("%w %q: %w", ErrInvalidAddress, address, err)
	}
	if !addr.Is4() {
		return Ports{}, fmt.Errorf("%w %q: not an IPv4 address", ErrInvalidAddress, address)
	}

	octet := int(addr.As4()[3])
	return Ports{
		SSH:     sshPortBase + octet,
		NETCONF: netconfPortBase + octet,
		HTTPS:   httpsPortBase + octet,
		HTTP:    httpPortBase + octet,
	}, nil
}
