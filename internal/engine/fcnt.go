package engine

import (
	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// FCntAction is the verdict CheckFCnt reaches for one uplink (§4.4).
type FCntAction int

const (
	FCntAccept FCntAction = iota
	FCntRetransmit
	FCntReset
)

// FCntResult carries CheckFCnt's verdict plus the new 32-bit FCntUp to
// store when Action is Accept or Reset.
type FCntResult struct {
	Action     FCntAction
	NewFCntUp  uint32
	MissedWarn *uint32 // non-nil => emit uplinks_missed warning with this count
}

// RegionDefaults supplies the ADR/RX-window values a reset restores
// (§4.4 branch 2: "adr_use=default_for_region, rxwin_use=default_for_region").
type RegionDefaults struct {
	ADRUse   bool
	RXWinUse models.RXWindowSettings
}

// regionDefaults builds the values a counter reset restores from a
// region's lookup table: ADR is turned back off and the RX window
// falls back to the region's RX2 default until the device re-runs ADR
// or the operator re-configures it.
func regionDefaults(region *lorawan.RegionConfiguration) RegionDefaults {
	return RegionDefaults{
		ADRUse: false,
		RXWinUse: models.RXWindowSettings{
			RX2DR:   uint8(region.DefaultRX2DR),
			RX2Freq: region.DefaultRX2Freq,
		},
	}
}

// CheckFCnt implements the §4.4 decision table. node.FCntUp must
// reflect the persisted value before this call; node is not mutated
// here — the caller applies NewFCntUp (and, on FCntReset, the reset
// fields) inside the same store transaction.
func CheckFCnt(node *models.Node, profile *models.Profile, fcnt uint16, maxLostAfterReset uint32) (FCntResult, *EngineError) {
	subject := node.DevAddr.String()

	// 1. First frame after join.
	if node.FCntUp == nil {
		if fcnt == 0 || fcnt == 1 {
			return FCntResult{Action: FCntAccept, NewFCntUp: uint32(fcnt)}, nil
		}
		if uint32(fcnt) < lorawan.MaxFCntGap {
			missed := uint32(fcnt) - 1
			return FCntResult{Action: FCntAccept, NewFCntUp: uint32(fcnt), MissedWarn: &missed}, nil
		}
		return FCntResult{}, newError(ErrFCntGapTooLarge, subject, "")
	}

	prevFull := *node.FCntUp
	prevLow16 := uint16(prevFull)

	// 2. Reset detection (reset-allowed or disabled modes).
	if (profile.FCntCheck == models.FCntCheckResetAllowed || profile.FCntCheck == models.FCntCheckDisabled) &&
		fcnt < prevLow16 && uint32(fcnt) < maxLostAfterReset {
		return FCntResult{Action: FCntReset, NewFCntUp: uint32(fcnt)}, nil
	}

	// 3. Disabled: accept verbatim.
	if profile.FCntCheck == models.FCntCheckDisabled {
		return FCntResult{Action: FCntAccept, NewFCntUp: uint32(fcnt)}, nil
	}

	// 4. Retransmission.
	if fcnt == prevLow16 {
		return FCntResult{Action: FCntRetransmit, NewFCntUp: prevFull}, nil
	}

	// 5. Strict 32-bit.
	if profile.FCntCheck == models.FCntCheckStrict32 {
		gap := lorawan.FCnt32Gap(prevFull, fcnt)
		if gap == 1 {
			return FCntResult{Action: FCntAccept, NewFCntUp: lorawan.FCnt32Inc(prevFull, 1)}, nil
		}
		if gap < lorawan.MaxFCntGap {
			missed := uint32(gap) - 1
			return FCntResult{Action: FCntAccept, NewFCntUp: lorawan.FCnt32Inc(prevFull, gap), MissedWarn: &missed}, nil
		}
		return FCntResult{}, newError(ErrFCntGapTooLarge, subject, "")
	}

	// 6. Default: strict 16-bit.
	gap := lorawan.FCnt16Gap(prevLow16, fcnt)
	if gap == 1 {
		return FCntResult{Action: FCntAccept, NewFCntUp: uint32(fcnt)}, nil
	}
	if gap < lorawan.MaxFCntGap {
		missed := uint32(gap) - 1
		return FCntResult{Action: FCntAccept, NewFCntUp: uint32(fcnt), MissedWarn: &missed}, nil
	}
	return FCntResult{}, newError(ErrFCntGapTooLarge, subject, "")
}
