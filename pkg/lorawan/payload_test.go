package lorawan

import (
	"bytes"
	"testing"
)

func TestMACPayloadMarshalUnmarshalRoundTrip(t *testing.T) {
	fport := uint8(1)
	orig := &MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{0x01, 0x02, 0x03, 0x04},
			FCtrl:   FCtrl{ADR: true, ACK: true},
			FCnt:    42,
			FOpts:   []byte{0x02, 0x03},
		},
		FPort:      &fport,
		FRMPayload: []byte("payload bytes"),
	}

	data, err := orig.Marshal(true)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got := &MACPayload{}
	if err := got.Unmarshal(data, true); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.FHDR.DevAddr != orig.FHDR.DevAddr {
		t.Fatalf("DevAddr mismatch: got %x want %x", got.FHDR.DevAddr, orig.FHDR.DevAddr)
	}
	if got.FHDR.FCnt != orig.FHDR.FCnt {
		t.Fatalf("FCnt mismatch: got %d want %d", got.FHDR.FCnt, orig.FHDR.FCnt)
	}
	if !bytes.Equal(got.FHDR.FOpts, orig.FHDR.FOpts) {
		t.Fatalf("FOpts mismatch: got %x want %x", got.FHDR.FOpts, orig.FHDR.FOpts)
	}
	if got.FPort == nil || *got.FPort != *orig.FPort {
		t.Fatalf("FPort mismatch: got %v want %v", got.FPort, orig.FPort)
	}
	if !bytes.Equal(got.FRMPayload, orig.FRMPayload) {
		t.Fatalf("FRMPayload mismatch: got %q want %q", got.FRMPayload, orig.FRMPayload)
	}
}

func TestMACPayloadNoPort(t *testing.T) {
	orig := &MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{0xAA, 0xBB, 0xCC, 0xDD},
			FCnt:    0,
		},
	}
	data, err := orig.Marshal(false)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := &MACPayload{}
	if err := got.Unmarshal(data, false); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.FPort != nil {
		t.Fatalf("expected nil FPort, got %v", *got.FPort)
	}
}

func TestPHYPayloadDataMICRoundTrip(t *testing.T) {
	var nwkSKey AES128Key
	copy(nwkSKey[:], bytes.Repeat([]byte{0x5A}, 16))
	devAddr := DevAddr{0x11, 0x22, 0x33, 0x44}

	mac := &MACPayload{FHDR: FHDR{DevAddr: devAddr, FCnt: 3}}
	macBytes, err := mac.Marshal(true)
	if err != nil {
		t.Fatalf("marshal MAC payload: %v", err)
	}

	phy := &PHYPayload{MHDR: MHDR{MType: UnconfirmedDataUp, Major: LoRaWAN1_0}, MACPayload: macBytes}
	if err := phy.SetDataMIC(nwkSKey, true, devAddr, 3); err != nil {
		t.Fatalf("set data MIC: %v", err)
	}

	ok, err := phy.VerifyDataMIC(nwkSKey, true, devAddr, 3)
	if err != nil {
		t.Fatalf("verify data MIC: %v", err)
	}
	if !ok {
		t.Fatal("expected MIC to verify")
	}

	wire, err := phy.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal binary: %v", err)
	}

	decoded := &PHYPayload{}
	if err := decoded.UnmarshalBinary(wire); err != nil {
		t.Fatalf("unmarshal binary: %v", err)
	}
	if decoded.MIC != phy.MIC {
		t.Fatalf("MIC mismatch after wire round trip: got %x want %x", decoded.MIC, phy.MIC)
	}
}

func TestPHYPayloadDataMICTamperDetected(t *testing.T) {
	var nwkSKey AES128Key
	copy(nwkSKey[:], bytes.Repeat([]byte{0x5A}, 16))
	devAddr := DevAddr{0x11, 0x22, 0x33, 0x44}

	mac := &MACPayload{FHDR: FHDR{DevAddr: devAddr, FCnt: 3}}
	macBytes, _ := mac.Marshal(true)

	phy := &PHYPayload{MHDR: MHDR{MType: UnconfirmedDataUp, Major: LoRaWAN1_0}, MACPayload: macBytes}
	if err := phy.SetDataMIC(nwkSKey, true, devAddr, 3); err != nil {
		t.Fatalf("set data MIC: %v", err)
	}

	phy.MACPayload[0] ^= 0xFF

	ok, err := phy.VerifyDataMIC(nwkSKey, true, devAddr, 3)
	if err != nil {
		t.Fatalf("verify data MIC: %v", err)
	}
	if ok {
		t.Fatal("expected MIC verification to fail after tamper")
	}
}

func TestJoinAcceptFrameRoundTrip(t *testing.T) {
	var appKey AES128Key
	copy(appKey[:], bytes.Repeat([]byte{0x2B, 0x7E}, 8))

	accept := &JoinAcceptPayload{
		AppNonce:   [3]byte{0x01, 0x02, 0x03},
		NetID:      [3]byte{0x04, 0x05, 0x06},
		DevAddr:    DevAddr{0x07, 0x08, 0x09, 0x0A},
		DLSettings: DLSettings{RX1DROffset: 2, RX2DataRate: 0},
		RxDelay:    1,
	}
	plain, err := accept.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal join accept: %v", err)
	}

	phy := &PHYPayload{MHDR: MHDR{MType: JoinAccept, Major: LoRaWAN1_0}, MACPayload: plain}
	if err := phy.EncryptJoinAcceptFrame(appKey); err != nil {
		t.Fatalf("encrypt join accept frame: %v", err)
	}

	wire, err := phy.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal binary: %v", err)
	}

	decodedPHY := &PHYPayload{}
	if err := decodedPHY.UnmarshalBinary(wire); err != nil {
		t.Fatalf("unmarshal binary: %v", err)
	}

	macPayload, _, err := DecodeJoinAccept(appKey, decodedPHY.MHDR.Byte(), decodedPHY.MACPayload)
	if err != nil {
		t.Fatalf("decode join accept: %v", err)
	}

	gotAccept := &JoinAcceptPayload{}
	if err := gotAccept.UnmarshalBinary(macPayload); err != nil {
		t.Fatalf("unmarshal join accept payload: %v", err)
	}

	if gotAccept.DevAddr != accept.DevAddr {
		t.Fatalf("DevAddr mismatch: got %x want %x", gotAccept.DevAddr, accept.DevAddr)
	}
	if gotAccept.AppNonce != accept.AppNonce {
		t.Fatalf("AppNonce mismatch: got %x want %x", gotAccept.AppNonce, accept.AppNonce)
	}
}

func TestJoinAcceptFrameTamperedMICRejected(t *testing.T) {
	var appKey AES128Key
	copy(appKey[:], bytes.Repeat([]byte{0x2B, 0x7E}, 8))

	accept := &JoinAcceptPayload{DevAddr: DevAddr{0x01, 0x02, 0x03, 0x04}}
	plain, _ := accept.MarshalBinary()

	phy := &PHYPayload{MHDR: MHDR{MType: JoinAccept, Major: LoRaWAN1_0}, MACPayload: plain}
	if err := phy.EncryptJoinAcceptFrame(appKey); err != nil {
		t.Fatalf("encrypt join accept frame: %v", err)
	}

	phy.MACPayload[len(phy.MACPayload)-1] ^= 0x01

	if _, _, err := DecodeJoinAccept(appKey, phy.MHDR.Byte(), phy.MACPayload); err == nil {
		t.Fatal("expected MIC mismatch error after tamper")
	}
}

func TestJoinRequestMICRoundTrip(t *testing.T) {
	var appKey AES128Key
	copy(appKey[:], bytes.Repeat([]byte{0x00}, 16))

	req := &JoinRequestPayload{
		AppEUI:   EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		DevEUI:   EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		DevNonce: [2]byte{0xAB, 0xCD},
	}
	macBytes, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal join request: %v", err)
	}

	phy := &PHYPayload{MHDR: MHDR{MType: JoinRequest, Major: LoRaWAN1_0}, MACPayload: macBytes}
	if err := phy.SetJoinRequestMIC(appKey); err != nil {
		t.Fatalf("set join request MIC: %v", err)
	}

	ok, err := phy.VerifyJoinRequestMIC(appKey)
	if err != nil {
		t.Fatalf("verify join request MIC: %v", err)
	}
	if !ok {
		t.Fatal("expected join request MIC to verify")
	}
}
