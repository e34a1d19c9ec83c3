// Package upnp adapts anacrolix/upnp's device discovery and port mapping
// to the Client's narrow need: map the listen port on startup, best
// effort, and never block or fail the engine when no IGD is present (the
// common case on most networks).
package upnp

import (
	"context"
	"fmt"
	"time"

	upnpv1 "github.com/anacrolix/upnp"
)

// Mapper opens external port mappings on whatever Internet Gateway
// Devices Discover finds on the local network.
type Mapper struct {
	devices []upnpv1.Device
}

// Discover probes the local network for IGDs. Absence of any device is
// not an error; MapPort on a Mapper with zero devices is a no-op.
func Discover(ctx context.Context) (*Mapper, error) {
	devices, err := upnpv1.Discover(0, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("upnp: discover: %w", err)
	}
	return &Mapper{devices: devices}, nil
}

// MapPort requests an external TCP and UDP mapping for port on every
// discovered device, returning the first error encountered (mapping is
// best-effort; the Client logs and continues past failures rather than
// treating them as fatal).
func (m *Mapper) MapPort(port int) error {
	var firstErr error
	for _, d := range m.devices {
		if err := d.Forward(uint16(port), "quietswarm-torrent"); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("upnp: forward port %d on %v: %w", port, d, err)
		}
	}
	return firstErr
}

func (m *Mapper) NumDevices() int { return len(m.devices) }
