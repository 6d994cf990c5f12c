// Package models defines the persistent record families the frame
// engine reads and writes inside a store transaction (§3).
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// Variables is a free-form JSON bag carried on device/node rows
// (app-specific arguments, §3 `appargs`).
type Variables map[string]interface{}

func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}
	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return json.Unmarshal([]byte(data.(string)), v)
	}
}

// Device is the externally-provisioned identity record, keyed by
// DevEUI (§3 `device`).
type Device struct {
	DevEUI    lorawan.EUI64
	AppEUI    *lorawan.EUI64
	AppKey    lorawan.AES128Key
	Profile   uuid.UUID
	Node      *lorawan.DevAddr // most recently assigned devaddr
	AppArgs   Variables
	LastJoin  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RXWindowSettings packs RX1DROffset/RX2DR/RX2Freq (§3 `rxwin_use`).
type RXWindowSettings struct {
	RX1DROffset uint8
	RX2DR       uint8
	RX2Freq     uint32
}

// GatewayReception records one gateway's reception quality for the
// most recent uplink (§3 `last_gateways`, opaque to the engine core).
type GatewayReception struct {
	GatewayID lorawan.EUI64
	RSSI      int32
	SNR       float64
}

// Node is the live session record, keyed by DevAddr (§3 `node`).
// FCntUp is a pointer because it is undefined until the first uplink
// after join (invariant 2).
type Node struct {
	DevAddr      lorawan.DevAddr
	Profile      uuid.UUID
	NwkSKey      lorawan.AES128Key
	AppSKey      lorawan.AES128Key
	FCntUp       *uint32
	FCntDown     uint32
	ADRUse       bool
	RXWinUse     RXWindowSettings
	FirstReset   *time.Time
	LastReset    *time.Time
	ResetCount   uint32
	LastRX       *time.Time
	LastGateways []GatewayReception
	DevStat      *DeviceStatus
	DevStatFCnt  *uint32
	LastQs       []int32
	AppArgs      Variables
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeviceStatus is the last DevStatusAns payload (§3 `devstat`),
// preserved across rejoins.
type DeviceStatus struct {
	Battery uint8
	Margin  int8
}

// FCntCheckMode selects the frame-counter replay policy (§4.4).
type FCntCheckMode int

const (
	FCntCheckStrict16     FCntCheckMode = 0
	FCntCheckStrict32     FCntCheckMode = 1
	FCntCheckResetAllowed FCntCheckMode = 2
	FCntCheckDisabled     FCntCheckMode = 3
)

// Profile groups join policy and counter-check behaviour shared by a
// set of devices (§3 `profile`).
type Profile struct {
	ID        uuid.UUID
	Network   string
	CanJoin   bool
	FCntCheck FCntCheckMode
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Network carries the NwkID/SubID prefix an operator's devaddrs are
// allocated from, plus a region lookup key (§3 `network`).
type Network struct {
	Name      string
	NetID     [3]byte
	SubID     *SubID
	Region    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubID is a variable-width bitstring (up to 25 bits) further
// partitioning a network's NwkID address space (§9 bit-level prefixes).
type SubID struct {
	Bits  uint32
	Width uint8 // 0..25
}

// IgnoredNode marks a devaddr (optionally masked) the engine should
// silently drop uplinks from without a MIC check (§3 `ignored_nodes`).
type IgnoredNode struct {
	DevAddr lorawan.DevAddr
	Mask    *lorawan.DevAddr // nil means exact match
}

// Matches reports whether devAddr falls under this ignore rule.
func (n IgnoredNode) Matches(devAddr lorawan.DevAddr) bool {
	mask := [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
	if n.Mask != nil {
		mask = *n.Mask
	}
	for i := 0; i < 4; i++ {
		if devAddr[i]&mask[i] != n.DevAddr[i]&mask[i] {
			return false
		}
	}
	return true
}

// MulticastChannel is a shared-key multicast group, keyed by its own
// devaddr (§3 `multicast_channel`).
type MulticastChannel struct {
	DevAddr   lorawan.DevAddr
	NwkSKey   lorawan.AES128Key
	AppSKey   lorawan.AES128Key
	FCntDown  uint32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingFrame is a queued downlink awaiting transmission, purged on
// reset/rejoin and on successful send (§3 `pending`).
type PendingFrame struct {
	ID        uuid.UUID
	DevAddr   lorawan.DevAddr
	FCnt      uint32
	Payload   []byte
	Confirmed bool
	FPort     *uint8
	CreatedAt time.Time
}
