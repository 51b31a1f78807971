package radio

import (
	"fmt"

	"github.com/hashicorp/go-version"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// FirmwareAtLeast reports whether have is the same as or newer than minimum.
func FirmwareAtLeast(have, minimum string) (bool, error) {
	h, err := version.NewVersion(have)
	if err != nil {
		return false, fmt.Errorf("parse firmware version %q: %w", have, err)
	}
	m, err := version.NewVersion(minimum)
	if err != nil {
		return false, fmt.Errorf("parse minimum firmware version %q: %w", minimum, err)
	}
	return !h.LessThan(m), nil
}

// ResolveNodeID returns configured when it is set, otherwise the network id
// stored in the transceiver.
func ResolveNodeID(dev Device, configured protocol.DeviceID) (protocol.DeviceID, Info, error) {
	info, err := dev.Info()
	if err != nil {
		return 0, Info{}, fmt.Errorf("read device info: %w", err)
	}
	if configured != 0 {
		return configured, info, nil
	}
	if info.NetworkID == 0 {
		return 0, info, fmt.Errorf("device reports network id 0: %w", ErrNoDevice)
	}
	return info.NetworkID, info, nil
}
