// Package lorawan implements the LoRaWAN 1.0-class air-interface codec:
// EUI/DevAddr wire types, PHYPayload framing, AES-CMAC/CTR cryptography
// and the EU868/US915/CN470 regional parameter tables.
package lorawan

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
)

// EUI64 is an 8-byte globally unique device or application identifier.
type EUI64 [8]byte

func (e EUI64) String() string { return EncodeHex(e[:]) }

func (e EUI64) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

func (e *EUI64) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid EUI64 format")
	}
	b, err := hex.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("invalid EUI64 length")
	}
	copy(e[:], b)
	return nil
}

func (e EUI64) Value() (driver.Value, error) { return e[:], nil }

func (e *EUI64) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok || len(b) != 8 {
		return fmt.Errorf("cannot scan %T into EUI64", value)
	}
	copy(e[:], b)
	return nil
}

// DevAddr is a 32-bit network-scoped device address; the top 7 bits carry
// the owning network's NwkID (§4.3).
type DevAddr [4]byte

func (d DevAddr) String() string { return EncodeHex(d[:]) }

func (d DevAddr) Value() (driver.Value, error) { return d[:], nil }

func (d *DevAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok || len(b) != 4 {
		return fmt.Errorf("cannot scan %T into DevAddr", value)
	}
	copy(d[:], b)
	return nil
}

// Uint32 returns the big-endian numeric value of the address.
func (d DevAddr) Uint32() uint32 {
	return uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3])
}

// DevAddrFromUint32 builds a big-endian DevAddr from its numeric value.
func DevAddrFromUint32(v uint32) DevAddr {
	return DevAddr{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// AES128Key is a 128-bit AES key (AppKey, NwkSKey or AppSKey).
type AES128Key [16]byte

func (k AES128Key) String() string { return EncodeHex(k[:]) }

func (k AES128Key) Value() (driver.Value, error) { return k[:], nil }

func (k *AES128Key) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok || len(b) != 16 {
		return fmt.Errorf("cannot scan %T into AES128Key", value)
	}
	copy(k[:], b)
	return nil
}

// MType is the 3-bit message type carried in MHDR.
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

func (m MType) IsDataUp() bool {
	return m == UnconfirmedDataUp || m == ConfirmedDataUp
}

func (m MType) IsDataDown() bool {
	return m == UnconfirmedDataDown || m == ConfirmedDataDown
}

// Major is the LoRaWAN major version field of MHDR. The engine only
// speaks 1.0.x (LoRaWAN 1.1 is a Non-goal).
type Major byte

const LoRaWAN1_0 Major = 0

// MHDR is the one-byte MAC header.
type MHDR struct {
	MType MType
	Major Major
}

func (h MHDR) Byte() byte { return byte(h.MType<<5) | byte(h.Major) }

// PHYPayload is the full wire frame: MHDR || MACPayload || MIC.
// For JoinAccept, MACPayload holds the already-encrypted bytes
// (MIC included) once EncryptJoinAcceptFrame has run — see payload.go.
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// FCtrl is the frame control byte of FHDR. Uplink and downlink give
// different meaning to bits 4 and 6 (ADRACKReq vs FPending).
type FCtrl struct {
	ADR       bool
	ADRACKReq bool // uplink only
	ACK       bool
	FPending  bool // downlink only
	FOptsLen  uint8
}

// FHDR is the frame header shared by data-up and data-down frames.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// MACPayload is the FHDR plus the optional port/application payload.
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// JoinRequestPayload is the plaintext join-request MAC payload.
type JoinRequestPayload struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}

// JoinAcceptPayload is the plaintext join-accept MAC payload, before
// AES-ECB-decrypt encryption (§4.5) is applied.
type JoinAcceptPayload struct {
	AppNonce   [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DLSettings packs RX1DROffset/RX2DataRate into the join-accept's one
// settings byte.
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}
