package lorawan

import (
	"fmt"
)

// Marshal encodes the MACPayload's FHDR/FPort/FRMPayload, omitting
// FPort and FRMPayload when FPort is nil (§4.2).
func (m *MACPayload) Marshal(isUplink bool) ([]byte, error) {
	data := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))

	data = append(data, reverse(m.FHDR.DevAddr[:])...)

	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
	} else {
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	if m.FHDR.FCtrl.ACK {
		fctrl |= 0x20
	}
	if len(m.FHDR.FOpts) > 0x0F {
		return nil, fmt.Errorf("lorawan: FOpts too long: %d bytes", len(m.FHDR.FOpts))
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)

	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal decodes a MACPayload from its wire form. isUplink selects
// which of bits 4/6 of FCtrl mean ADRACKReq vs FPending.
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("lorawan: MACPayload too short: %d bytes", len(data))
	}

	pos := 0
	copy(m.FHDR.DevAddr[:], reverse(data[pos:pos+4]))
	pos += 4

	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = fctrl&0x80 != 0
	m.FHDR.FCtrl.ACK = fctrl&0x20 != 0
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = fctrl&0x40 != 0
	} else {
		m.FHDR.FCtrl.FPending = fctrl&0x10 != 0
	}
	foptsLen := int(fctrl & 0x0F)
	m.FHDR.FCtrl.FOptsLen = uint8(foptsLen)
	pos++

	m.FHDR.FCnt = uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2

	if pos+foptsLen > len(data) {
		return fmt.Errorf("lorawan: FOpts length %d overruns MACPayload", foptsLen)
	}
	if foptsLen > 0 {
		m.FHDR.FOpts = append([]byte(nil), data[pos:pos+foptsLen]...)
		pos += foptsLen
	}

	if pos == len(data) {
		return nil
	}
	if pos+1 > len(data) {
		return fmt.Errorf("lorawan: MACPayload truncated before FPort")
	}
	fport := data[pos]
	m.FPort = &fport
	pos++
	if pos < len(data) {
		m.FRMPayload = append([]byte(nil), data[pos:]...)
	}

	return nil
}

// MarshalBinary encodes the full PHYPayload: MHDR || MACPayload || MIC.
// JoinAccept frames carry the MIC inside the already-encrypted
// MACPayload and so append nothing further.
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.Byte())
	data = append(data, p.MACPayload...)
	if p.MHDR.MType != JoinAccept {
		data = append(data, p.MIC[:]...)
	}
	return data, nil
}

// UnmarshalBinary splits a raw frame into MHDR/MACPayload/MIC. For
// JoinAccept the caller must separate MIC from MACPayload itself, after
// decryption, since the wire encoding carries them concatenated — see
// DecodeJoinAccept.
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("lorawan: PHYPayload too short: %d bytes", len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)

	if p.MHDR.MType == JoinAccept {
		p.MACPayload = append([]byte(nil), data[1:]...)
		return nil
	}

	p.MACPayload = append([]byte(nil), data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])
	return nil
}

// UnmarshalBinary decodes a plaintext join-request MAC payload. AppEUI
// and DevEUI are received little-endian on the wire and reversed to
// canonical (stored) form (§4.2).
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("lorawan: invalid JoinRequest length: want 18, got %d", len(data))
	}
	copy(j.AppEUI[:], reverse(data[0:8]))
	copy(j.DevEUI[:], reverse(data[8:16]))
	copy(j.DevNonce[:], data[16:18])
	return nil
}

// MarshalBinary encodes a join-request MAC payload, reversing AppEUI
// and DevEUI back to wire (little-endian) order.
func (j *JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	copy(data[0:8], reverse(j.AppEUI[:]))
	copy(data[8:16], reverse(j.DevEUI[:]))
	copy(data[16:18], j.DevNonce[:])
	return data, nil
}

// MarshalBinary encodes the plaintext join-accept MAC payload, before
// the §4.5 encryption asymmetry is applied.
func (j *JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	size := 12 + len(j.CFList)
	data := make([]byte, size)
	copy(data[0:3], j.AppNonce[:])
	copy(data[3:6], j.NetID[:])
	copy(data[6:10], reverse(j.DevAddr[:]))
	data[10] = (j.DLSettings.RX1DROffset<<4)&0xF0 | j.DLSettings.RX2DataRate&0x0F
	data[11] = j.RxDelay
	copy(data[12:], j.CFList)
	return data, nil
}

// UnmarshalBinary decodes a plaintext join-accept MAC payload.
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("lorawan: invalid JoinAccept length: want >=12, got %d", len(data))
	}
	copy(j.AppNonce[:], data[0:3])
	copy(j.NetID[:], data[3:6])
	copy(j.DevAddr[:], reverse(data[6:10]))
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]
	if len(data) > 12 {
		j.CFList = append([]byte(nil), data[12:]...)
	}
	return nil
}

const (
	dirUplink   byte = 0
	dirDownlink byte = 1
)

// SetDataMIC computes and stores the MIC of a data-up/data-down frame
// under the given NwkSKey and full 32-bit frame counter (§4.5).
func (p *PHYPayload) SetDataMIC(key AES128Key, isUplink bool, devAddr DevAddr, fullFCnt uint32) error {
	dir := dirUplink
	if !isUplink {
		dir = dirDownlink
	}
	mic, err := DataMIC(key, dir, devAddr, fullFCnt, p.MHDR.Byte(), p.MACPayload)
	if err != nil {
		return fmt.Errorf("lorawan: data MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// VerifyDataMIC reports whether the frame's stored MIC matches the one
// computed under key.
func (p *PHYPayload) VerifyDataMIC(key AES128Key, isUplink bool, devAddr DevAddr, fullFCnt uint32) (bool, error) {
	dir := dirUplink
	if !isUplink {
		dir = dirDownlink
	}
	mic, err := DataMIC(key, dir, devAddr, fullFCnt, p.MHDR.Byte(), p.MACPayload)
	if err != nil {
		return false, fmt.Errorf("lorawan: data MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// SetJoinRequestMIC computes and stores a join-request's MIC under AppKey.
func (p *PHYPayload) SetJoinRequestMIC(appKey AES128Key) error {
	mic, err := JoinMIC(appKey, p.MHDR.Byte(), p.MACPayload)
	if err != nil {
		return fmt.Errorf("lorawan: join-request MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// VerifyJoinRequestMIC reports whether the frame's stored MIC matches
// the one computed under appKey.
func (p *PHYPayload) VerifyJoinRequestMIC(appKey AES128Key) (bool, error) {
	mic, err := JoinMIC(appKey, p.MHDR.Byte(), p.MACPayload)
	if err != nil {
		return false, fmt.Errorf("lorawan: join-request MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// EncryptJoinAcceptFrame computes the join-accept MIC over
// MHDR||MACPayload, then overwrites p.MACPayload with the AES-ECB
// "encrypted" MACPayload||MIC per §4.5's decrypt-to-encrypt asymmetry.
// After this call MarshalBinary appends nothing further.
func (p *PHYPayload) EncryptJoinAcceptFrame(appKey AES128Key) error {
	mic, err := JoinMIC(appKey, p.MHDR.Byte(), p.MACPayload)
	if err != nil {
		return fmt.Errorf("lorawan: join-accept MIC: %w", err)
	}

	plain := make([]byte, 0, len(p.MACPayload)+4)
	plain = append(plain, p.MACPayload...)
	plain = append(plain, mic[:]...)

	cipher, err := EncryptJoinAccept(appKey, plain)
	if err != nil {
		return fmt.Errorf("lorawan: encrypt join-accept: %w", err)
	}

	p.MIC = mic
	p.MACPayload = cipher
	return nil
}

// DecodeJoinAccept reverses EncryptJoinAcceptFrame: given the raw bytes
// following MHDR on the wire, it recovers the plaintext JoinAccept
// payload and verifies the embedded MIC.
func DecodeJoinAccept(appKey AES128Key, mhdr byte, wireMACPayload []byte) (macPayload []byte, mic [4]byte, err error) {
	plain, err := DecryptJoinAccept(appKey, wireMACPayload)
	if err != nil {
		return nil, mic, fmt.Errorf("lorawan: decrypt join-accept: %w", err)
	}
	if len(plain) < 4 {
		return nil, mic, fmt.Errorf("lorawan: decrypted join-accept too short: %d bytes", len(plain))
	}
	macPayload = plain[:len(plain)-4]
	copy(mic[:], plain[len(plain)-4:])

	want, err := JoinMIC(appKey, mhdr, macPayload)
	if err != nil {
		return nil, mic, fmt.Errorf("lorawan: join-accept MIC: %w", err)
	}
	if want != mic {
		return nil, mic, fmt.Errorf("lorawan: join-accept MIC mismatch")
	}
	return macPayload, mic, nil
}

// EncryptFRMPayload en/decrypts the MACPayload's FRMPayload in place
// under the matching session key (NwkSKey for FPort==0, AppSKey
// otherwise). The cipher is its own inverse (P6).
func (m *MACPayload) EncryptFRMPayload(key AES128Key, isUplink bool, fullFCnt uint32) error {
	dir := dirUplink
	if !isUplink {
		dir = dirDownlink
	}
	out, err := CipherFRMPayload(key, dir, m.FHDR.DevAddr, fullFCnt, m.FRMPayload)
	if err != nil {
		return fmt.Errorf("lorawan: cipher FRMPayload: %w", err)
	}
	m.FRMPayload = out
	return nil
}
