package engine

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/internal/storage"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// maxDevAddrAttempts bounds the collision-retry loop of §4.3. The
// source leaves exhaustion undefined; we surface ErrDevAddrExhausted
// instead of looping forever (§9 Open Question).
const maxDevAddrAttempts = 3

// AllocateDevAddr returns device's existing node address if it has
// one, otherwise builds <NwkID:7, SubID?, random> candidates under
// network's prefix and accepts the first that doesn't collide with an
// existing node row (§4.3, invariant 1).
func AllocateDevAddr(ctx context.Context, store storage.Store, network *models.Network, device *models.Device) (lorawan.DevAddr, error) {
	if device.Node != nil {
		return *device.Node, nil
	}

	nwkID := network.NetID[2] & 0x7F // low 7 bits of NetID's last byte

	for attempt := 0; attempt < maxDevAddrAttempts; attempt++ {
		candidate, err := randomDevAddr(nwkID, network.SubID)
		if err != nil {
			return lorawan.DevAddr{}, fmt.Errorf("engine: generate devaddr: %w", err)
		}

		exists, err := store.NodeExists(ctx, candidate)
		if err != nil {
			return lorawan.DevAddr{}, err
		}
		if !exists {
			return candidate, nil
		}
	}

	return lorawan.DevAddr{}, newError(ErrDevAddrExhausted, device.DevEUI.String(), fmt.Sprintf("%d collisions", maxDevAddrAttempts))
}

// randomDevAddr builds a 32-bit address: top 7 bits = nwkID, next
// bits = subID (if any), remaining low bits random (§9 bit-level
// prefixes).
func randomDevAddr(nwkID byte, subID *models.SubID) (lorawan.DevAddr, error) {
	var value uint32
	value |= uint32(nwkID&0x7F) << 25

	randomBits := 25
	if subID != nil {
		width := int(subID.Width)
		if width > 25 {
			width = 25
		}
		value |= (subID.Bits & ((1 << width) - 1)) << (25 - width)
		randomBits = 25 - width
	}

	if randomBits > 0 {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return lorawan.DevAddr{}, err
		}
		r := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
		mask := uint32(1)<<uint(randomBits) - 1
		value |= r & mask
	}

	return lorawan.DevAddrFromUint32(value), nil
}
