package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/internal/storage"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// testFixture wires a fresh in-memory store with one device/profile/
// network ready to join.
type testFixture struct {
	store   storage.Store
	eng     *Engine
	devEUI  lorawan.EUI64
	appEUI  lorawan.EUI64
	appKey  lorawan.AES128Key
	profile *models.Profile
	network *models.Network
}

func newFixture(t *testing.T, fcntCheck models.FCntCheckMode) *testFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()

	network := &models.Network{Name: "test-net", NetID: [3]byte{0x00, 0x00, 0x13}, Region: "EU868"}
	if err := store.PutNetwork(ctx, network); err != nil {
		t.Fatalf("put network: %v", err)
	}

	profile := &models.Profile{ID: uuid.New(), Network: network.Name, CanJoin: true, FCntCheck: fcntCheck}
	if err := store.PutProfile(ctx, profile); err != nil {
		t.Fatalf("put profile: %v", err)
	}

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	appEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	appKey := lorawan.AES128Key{0: 0xaa, 15: 0xbb}

	device := &models.Device{DevEUI: devEUI, AppEUI: &appEUI, AppKey: appKey, Profile: profile.ID}
	if err := store.PutDevice(ctx, device); err != nil {
		t.Fatalf("put device: %v", err)
	}

	eng := New(store, NopSink{}, lorawan.MaxFCntGap, 1)
	return &testFixture{store: store, eng: eng, devEUI: devEUI, appEUI: appEUI, appKey: appKey, profile: profile, network: network}
}

func (f *testFixture) buildJoinRequest(t *testing.T, devNonce [2]byte) []byte {
	t.Helper()
	req := &lorawan.JoinRequestPayload{AppEUI: f.appEUI, DevEUI: f.devEUI, DevNonce: devNonce}
	macPayload, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal join-request: %v", err)
	}
	phy := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0},
		MACPayload: macPayload,
	}
	if err := phy.SetJoinRequestMIC(f.appKey); err != nil {
		t.Fatalf("sign join-request: %v", err)
	}
	wire, err := phy.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal phy: %v", err)
	}
	return wire
}

// join drives a full join-request/join-accept exchange and returns the
// devaddr recovered by decoding the join-accept exactly as a device
// would, plus the session keys read from the node record the join wrote.
func (f *testFixture) join(t *testing.T, devNonce [2]byte) (lorawan.DevAddr, lorawan.AES128Key, lorawan.AES128Key) {
	t.Helper()
	ctx := context.Background()

	outcome, engErr := f.eng.Ingest(ctx, f.buildJoinRequest(t, devNonce))
	if engErr != nil {
		t.Fatalf("ingest join-request: %v", engErr)
	}
	if outcome.Kind != OutcomeJoin {
		t.Fatalf("expected OutcomeJoin, got %v", outcome.Kind)
	}

	wire, err := f.eng.HandleAccept(ctx, outcome.Join, 0)
	if err != nil {
		t.Fatalf("handle accept: %v", err)
	}

	macPayload, _, err := lorawan.DecodeJoinAccept(f.appKey, wire[0], wire[1:])
	if err != nil {
		t.Fatalf("decode join-accept: %v", err)
	}
	accept := &lorawan.JoinAcceptPayload{}
	if err := accept.UnmarshalBinary(macPayload); err != nil {
		t.Fatalf("unmarshal join-accept: %v", err)
	}

	node, err := f.store.GetNode(ctx, accept.DevAddr, storage.LockRead)
	if err != nil {
		t.Fatalf("get node after join: %v", err)
	}

	return accept.DevAddr, node.NwkSKey, node.AppSKey
}

// buildDataUp constructs a signed, ciphered uplink frame at fcnt with
// application payload data on fport.
func buildDataUp(t *testing.T, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key, fcnt uint32, fport uint8, data []byte, confirmed bool) []byte {
	t.Helper()
	cipher, err := lorawan.CipherFRMPayload(appSKey, 0, devAddr, fcnt, data)
	if err != nil {
		t.Fatalf("cipher frm payload: %v", err)
	}

	mac := &lorawan.MACPayload{
		FHDR:       lorawan.FHDR{DevAddr: devAddr, FCnt: uint16(fcnt)},
		FPort:      &fport,
		FRMPayload: cipher,
	}
	macPayload, err := mac.Marshal(true)
	if err != nil {
		t.Fatalf("marshal mac payload: %v", err)
	}

	mtype := lorawan.UnconfirmedDataUp
	if confirmed {
		mtype = lorawan.ConfirmedDataUp
	}
	phy := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: macPayload,
	}
	if err := phy.SetDataMIC(nwkSKey, true, devAddr, fcnt); err != nil {
		t.Fatalf("sign data-up: %v", err)
	}
	wire, err := phy.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal phy: %v", err)
	}
	return wire
}

func TestJoinAssignsDevAddrAndSessionKeys(t *testing.T) {
	f := newFixture(t, models.FCntCheckStrict16)
	devAddr, nwkSKey, appSKey := f.join(t, [2]byte{1, 0})

	var zeroKey lorawan.AES128Key
	if nwkSKey == zeroKey || appSKey == zeroKey {
		t.Fatalf("expected non-zero derived session keys")
	}
	if devAddr == (lorawan.DevAddr{}) {
		t.Fatalf("expected non-zero devaddr")
	}

	device, err := f.store.GetDevice(context.Background(), f.devEUI)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Node == nil || *device.Node != devAddr {
		t.Fatalf("device.Node not updated to the assigned devaddr")
	}
}

// TestUplinkRoundTripsThroughEncodeUnicast exercises P2: a downlink
// built by EncodeUnicast must ingest back to the same plaintext via a
// simulated device decrypt, and the engine's own ingest of an uplink
// must recover exactly what buildDataUp encoded.
func TestUplinkRoundTripsThroughEncodeUnicast(t *testing.T) {
	f := newFixture(t, models.FCntCheckStrict16)
	devAddr, nwkSKey, appSKey := f.join(t, [2]byte{1, 0})
	ctx := context.Background()

	payload := []byte("hello-network")
	wire := buildDataUp(t, devAddr, nwkSKey, appSKey, 1, 10, payload, false)

	outcome, engErr := f.eng.Ingest(ctx, wire)
	if engErr != nil {
		t.Fatalf("ingest data-up: %v", engErr)
	}
	if outcome.Kind != OutcomeUplink {
		t.Fatalf("expected OutcomeUplink, got %v", outcome.Kind)
	}
	if string(outcome.Uplink.Data) != string(payload) {
		t.Fatalf("decrypted payload mismatch: got %q want %q", outcome.Uplink.Data, payload)
	}
	if outcome.Uplink.FCntUp != 1 {
		t.Fatalf("expected fcnt_up=1, got %d", outcome.Uplink.FCntUp)
	}

	fport := uint8(20)
	downData := []byte("ack-payload")
	wireDown, err := f.eng.EncodeUnicast(ctx, DownlinkRequest{DevAddr: devAddr, FPort: &fport, Data: downData})
	if err != nil {
		t.Fatalf("encode unicast: %v", err)
	}

	phy := &lorawan.PHYPayload{}
	if err := phy.UnmarshalBinary(wireDown); err != nil {
		t.Fatalf("unmarshal downlink: %v", err)
	}
	ok, err := phy.VerifyDataMIC(nwkSKey, false, devAddr, 0)
	if err != nil || !ok {
		t.Fatalf("downlink MIC did not verify: ok=%v err=%v", ok, err)
	}
	mac := &lorawan.MACPayload{}
	if err := mac.Unmarshal(phy.MACPayload, false); err != nil {
		t.Fatalf("unmarshal downlink mac payload: %v", err)
	}
	plain, err := lorawan.CipherFRMPayload(appSKey, 1, devAddr, 0, mac.FRMPayload)
	if err != nil {
		t.Fatalf("decrypt downlink: %v", err)
	}
	if string(plain) != string(downData) {
		t.Fatalf("downlink payload mismatch: got %q want %q", plain, downData)
	}
}

// TestRetransmissionIsIdempotent exercises P3: re-ingesting the exact
// same fcnt twice must not advance state and must report Retransmit.
func TestRetransmissionIsIdempotent(t *testing.T) {
	f := newFixture(t, models.FCntCheckStrict16)
	devAddr, nwkSKey, appSKey := f.join(t, [2]byte{1, 0})
	ctx := context.Background()

	wire := buildDataUp(t, devAddr, nwkSKey, appSKey, 1, 10, []byte("once"), false)

	outcome1, engErr := f.eng.Ingest(ctx, wire)
	if engErr != nil {
		t.Fatalf("first ingest: %v", engErr)
	}
	if outcome1.Kind != OutcomeUplink {
		t.Fatalf("expected OutcomeUplink on first delivery, got %v", outcome1.Kind)
	}

	outcome2, engErr := f.eng.Ingest(ctx, wire)
	if engErr != nil {
		t.Fatalf("second ingest: %v", engErr)
	}
	if outcome2.Kind != OutcomeRetransmit {
		t.Fatalf("expected OutcomeRetransmit on replay, got %v", outcome2.Kind)
	}

	node, err := f.store.GetNode(ctx, devAddr, storage.LockRead)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.FCntUp == nil || *node.FCntUp != 1 {
		t.Fatalf("fcnt_up must stay at 1 after a replay, got %v", node.FCntUp)
	}
}

// TestFCntMonotonicAcrossManyUplinks exercises P4: N uplinks in strict
// sequence must each accept and leave fcnt_up strictly increasing.
func TestFCntMonotonicAcrossManyUplinks(t *testing.T) {
	f := newFixture(t, models.FCntCheckStrict16)
	devAddr, nwkSKey, appSKey := f.join(t, [2]byte{1, 0})
	ctx := context.Background()

	for i := uint32(1); i <= 20; i++ {
		wire := buildDataUp(t, devAddr, nwkSKey, appSKey, i, 10, []byte("ping"), false)
		outcome, engErr := f.eng.Ingest(ctx, wire)
		if engErr != nil {
			t.Fatalf("ingest fcnt=%d: %v", i, engErr)
		}
		if outcome.Kind != OutcomeUplink {
			t.Fatalf("fcnt=%d: expected OutcomeUplink, got %v", i, outcome.Kind)
		}
		if outcome.Uplink.FCntUp != i {
			t.Fatalf("fcnt=%d: got %d", i, outcome.Uplink.FCntUp)
		}
	}

	node, err := f.store.GetNode(ctx, devAddr, storage.LockRead)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.FCntUp == nil || *node.FCntUp != 20 {
		t.Fatalf("expected final fcnt_up=20, got %v", node.FCntUp)
	}
}

// TestBadMICIsRejected exercises P5: a frame signed under the wrong
// key must be rejected with bad_mic and must not advance fcnt_up.
func TestBadMICIsRejected(t *testing.T) {
	f := newFixture(t, models.FCntCheckStrict16)
	devAddr, _, appSKey := f.join(t, [2]byte{1, 0})
	ctx := context.Background()

	var wrongKey lorawan.AES128Key
	wrongKey[0] = 0xff
	wire := buildDataUp(t, devAddr, wrongKey, appSKey, 1, 10, []byte("tampered"), false)

	_, engErr := f.eng.Ingest(ctx, wire)
	if engErr == nil {
		t.Fatalf("expected bad_mic error")
	}
	if engErr.Kind != ErrBadMIC {
		t.Fatalf("expected ErrBadMIC, got %v", engErr.Kind)
	}

	node, err := f.store.GetNode(ctx, devAddr, storage.LockRead)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.FCntUp != nil {
		t.Fatalf("fcnt_up must remain unset after a rejected frame, got %v", node.FCntUp)
	}
}

func TestUnknownDevEUIIsRejected(t *testing.T) {
	f := newFixture(t, models.FCntCheckStrict16)
	ctx := context.Background()

	req := &lorawan.JoinRequestPayload{AppEUI: f.appEUI, DevEUI: lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}, DevNonce: [2]byte{1, 0}}
	macPayload, _ := req.MarshalBinary()
	phy := &lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0}, MACPayload: macPayload}
	_ = phy.SetJoinRequestMIC(f.appKey)
	wire, _ := phy.MarshalBinary()

	_, engErr := f.eng.Ingest(ctx, wire)
	if engErr == nil || engErr.Kind != ErrUnknownDevEUI {
		t.Fatalf("expected unknown_deveui, got %v", engErr)
	}
}

func TestIgnoredNodeIsDropped(t *testing.T) {
	f := newFixture(t, models.FCntCheckStrict16)
	devAddr, nwkSKey, appSKey := f.join(t, [2]byte{1, 0})
	ctx := context.Background()

	if err := f.store.PutIgnoredNode(ctx, &models.IgnoredNode{DevAddr: devAddr}); err != nil {
		t.Fatalf("put ignored node: %v", err)
	}

	wire := buildDataUp(t, devAddr, nwkSKey, appSKey, 1, 10, []byte("should be dropped"), false)
	outcome, engErr := f.eng.Ingest(ctx, wire)
	if engErr != nil {
		t.Fatalf("ingest: %v", engErr)
	}
	if outcome.Kind != OutcomeIgnore {
		t.Fatalf("expected OutcomeIgnore, got %v", outcome.Kind)
	}
}

func TestResetAllowedAcceptsLowerFCntAsReset(t *testing.T) {
	f := newFixture(t, models.FCntCheckResetAllowed)
	devAddr, nwkSKey, appSKey := f.join(t, [2]byte{1, 0})
	ctx := context.Background()

	for _, fcnt := range []uint32{1, 2, 3} {
		wire := buildDataUp(t, devAddr, nwkSKey, appSKey, fcnt, 10, []byte("x"), false)
		if _, engErr := f.eng.Ingest(ctx, wire); engErr != nil {
			t.Fatalf("ingest fcnt=%d: %v", fcnt, engErr)
		}
	}

	wire := buildDataUp(t, devAddr, nwkSKey, appSKey, 0, 10, []byte("reset"), false)
	outcome, engErr := f.eng.Ingest(ctx, wire)
	if engErr != nil {
		t.Fatalf("ingest reset frame: %v", engErr)
	}
	if outcome.Kind != OutcomeUplink {
		t.Fatalf("expected OutcomeUplink on reset, got %v", outcome.Kind)
	}

	node, err := f.store.GetNode(ctx, devAddr, storage.LockRead)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.FCntUp == nil || *node.FCntUp != 0 {
		t.Fatalf("expected fcnt_up reset to 0, got %v", node.FCntUp)
	}
	if node.FCntDown != 0 {
		t.Fatalf("expected fcnt_down reset to 0, got %d", node.FCntDown)
	}
}

func TestMulticastDownlinkEncodesWithoutADRorACK(t *testing.T) {
	store := storage.NewMemoryStore()
	eng := New(store, NopSink{}, lorawan.MaxFCntGap, 1)
	ctx := context.Background()

	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	var nwkSKey, appSKey lorawan.AES128Key
	nwkSKey[0] = 0x11
	appSKey[0] = 0x22
	ch := &models.MulticastChannel{DevAddr: devAddr, NwkSKey: nwkSKey, AppSKey: appSKey}
	if err := store.PutMulticastChannel(ctx, ch); err != nil {
		t.Fatalf("put multicast channel: %v", err)
	}

	fport := uint8(5)
	wire, err := eng.EncodeMulticast(ctx, devAddr, &fport, []byte("group-message"))
	if err != nil {
		t.Fatalf("encode multicast: %v", err)
	}

	phy := &lorawan.PHYPayload{}
	if err := phy.UnmarshalBinary(wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mac := &lorawan.MACPayload{}
	if err := mac.Unmarshal(phy.MACPayload, false); err != nil {
		t.Fatalf("unmarshal mac payload: %v", err)
	}
	if mac.FHDR.FCtrl.ADR || mac.FHDR.FCtrl.ACK {
		t.Fatalf("multicast downlink must not set ADR/ACK")
	}

	updated, err := store.GetMulticastChannel(ctx, devAddr, storage.LockRead)
	if err != nil {
		t.Fatalf("get multicast channel: %v", err)
	}
	if updated.FCntDown != 1 {
		t.Fatalf("expected fcnt_down advanced to 1, got %d", updated.FCntDown)
	}
}
