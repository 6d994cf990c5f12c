// Package engine implements the MAC-layer frame engine: it ingests raw
// PHY payloads, authenticates and decrypts them against persistent
// device state, advances frame counters under the replay/reset policy
// of §4.4, and emits wire-correct downlink and join-accept payloads.
package engine

import (
	"fmt"

	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// OutcomeKind tags the variant carried by an Outcome (§4.2, §7).
type OutcomeKind int

const (
	OutcomeIgnore OutcomeKind = iota
	OutcomeJoin
	OutcomeUplink
	OutcomeRetransmit
)

// Outcome is the tagged-union result of Ingest. Exactly the fields
// matching Kind are populated; callers switch on Kind before reading
// them (§4.2, §9 "dynamic tagged outcomes").
type Outcome struct {
	Kind OutcomeKind

	// OutcomeJoin
	Join *JoinOutcome

	// OutcomeUplink / OutcomeRetransmit
	Uplink *UplinkFrame
}

// JoinOutcome carries everything handle_accept needs to complete a
// join (§4.2, §4.6); the engine itself writes no state at this point.
type JoinOutcome struct {
	Network  string
	Profile  string // profile id, as text; caller resolves to uuid.UUID
	DevEUI   lorawan.EUI64
	DevAddr  lorawan.DevAddr
	DevNonce [2]byte
}

// UplinkFrame is a decrypted, counter-advanced data-up frame (§4.2).
// Confirmed reports whether the device set the confirmed-data-up MType;
// the engine does not schedule the ACK itself (§1 Non-goals), but the
// caller needs the bit to know one is owed.
type UplinkFrame struct {
	DevAddr   lorawan.DevAddr
	FCntUp    uint32
	FPort     *uint8
	FOpts     []byte
	Data      []byte
	ACK       bool
	Confirmed bool
}

// ErrorKind enumerates the error taxonomy of §7.
type ErrorKind string

const (
	ErrBadFrame          ErrorKind = "bad_frame"
	ErrDoubleFOpts       ErrorKind = "double_fopts"
	ErrUnknownDevEUI     ErrorKind = "unknown_deveui"
	ErrBadAppEUI         ErrorKind = "bad_appeui"
	ErrUnknownDevAddr    ErrorKind = "unknown_devaddr"
	ErrUnknownProfile    ErrorKind = "unknown_profile"
	ErrUnknownNetwork    ErrorKind = "unknown_network"
	ErrBadMIC            ErrorKind = "bad_mic"
	ErrFCntGapTooLarge   ErrorKind = "fcnt_gap_too_large"
	ErrIgnoredNode       ErrorKind = "ignored_node"
	ErrDevAddrExhausted  ErrorKind = "devaddr_exhausted"
)

// EngineError is the structured error value every engine operation
// returns instead of throwing (§7: "nothing is thrown across the
// engine boundary").
type EngineError struct {
	Kind    ErrorKind
	Subject string // e.g. a DevEUI/DevAddr hex string, for log correlation
	Detail  string
}

func (e *EngineError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("engine: %s: %s", e.Kind, e.Subject)
	}
	return fmt.Sprintf("engine: %s: %s (%s)", e.Kind, e.Subject, e.Detail)
}

func newError(kind ErrorKind, subject string, detail string) *EngineError {
	return &EngineError{Kind: kind, Subject: subject, Detail: detail}
}
