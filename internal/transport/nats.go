package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/frameengine/internal/engine"
)

// uplinkMessage is what a gateway bridge publishes on gateway.*.up: a
// raw PHY payload plus reception metadata. Only PHYPayload is handed to
// the engine; GatewayID addresses the join-accept reply, and RSSI/SNR
// are decoded but not used.
type uplinkMessage struct {
	GatewayID string `json:"gatewayID"`
	PHYPayload string `json:"phyPayload"` // base64
	RSSI       int32  `json:"rssi"`
	SNR        float64 `json:"snr"`
}

// downlinkMessage is what NATSTransport publishes on gateway.<id>.down.
type downlinkMessage struct {
	PHYPayload string `json:"phyPayload"` // base64
}

// NATSTransport bridges the gateway-facing NATS subjects to the frame
// engine: uplinks subscribed here are handed to Engine.Ingest, and
// successful joins are answered with a signed join-accept on the
// originating gateway's downlink subject.
type NATSTransport struct {
	nc   *nats.Conn
	eng  *engine.Engine
	subs []*nats.Subscription

	// RX1DROffset is the one join-accept DL setting still carried at the
	// transport layer, since it comes from operator configuration rather
	// than the engine core (§4.6 takes it as an input). RX2 data rate and
	// frequency are resolved by the engine from the network's region.
	RX1DROffset uint8
}

// NewNATSTransport builds a transport bound to an already-connected
// NATS client and the engine instance it feeds.
func NewNATSTransport(nc *nats.Conn, eng *engine.Engine, rx1DROffset uint8) *NATSTransport {
	return &NATSTransport{nc: nc, eng: eng, RX1DROffset: rx1DROffset}
}

// Start subscribes to gateway.*.up and blocks until ctx is cancelled.
func (t *NATSTransport) Start(ctx context.Context) error {
	sub, err := t.nc.Subscribe("gateway.*.up", t.handleUplink)
	if err != nil {
		return fmt.Errorf("subscribe gateway uplink: %w", err)
	}
	t.subs = append(t.subs, sub)

	log.Info().Int("subscriptions", len(t.subs)).Msg("NATS gateway transport started")

	<-ctx.Done()

	for _, s := range t.subs {
		_ = s.Unsubscribe()
	}
	return ctx.Err()
}

func (t *NATSTransport) handleUplink(msg *nats.Msg) {
	var up uplinkMessage
	if err := json.Unmarshal(msg.Data, &up); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed gateway uplink message")
		return
	}

	phy, err := base64.StdEncoding.DecodeString(up.PHYPayload)
	if err != nil {
		log.Error().Err(err).Msg("malformed phy_payload in gateway uplink")
		return
	}

	ctx := context.Background()
	outcome, engErr := t.eng.Ingest(ctx, phy)
	if engErr != nil {
		log.Warn().Str("kind", string(engErr.Kind)).Str("subject", engErr.Subject).Msg("ingest rejected frame")
		return
	}

	switch outcome.Kind {
	case engine.OutcomeJoin:
		t.handleJoin(ctx, up.GatewayID, outcome.Join)
	case engine.OutcomeUplink:
		log.Info().
			Str("devaddr", outcome.Uplink.DevAddr.String()).
			Uint32("fcnt_up", outcome.Uplink.FCntUp).
			Bool("confirmed", outcome.Uplink.Confirmed).
			Msg("uplink accepted")
		if outcome.Uplink.Confirmed {
			log.Debug().Str("devaddr", outcome.Uplink.DevAddr.String()).
				Msg("confirmed uplink: ACK scheduling is left to the downlink-trigger caller")
		}
	case engine.OutcomeRetransmit:
		log.Debug().Str("devaddr", outcome.Uplink.DevAddr.String()).Msg("retransmission, state unchanged")
	case engine.OutcomeIgnore:
	}
}

func (t *NATSTransport) handleJoin(ctx context.Context, gatewayID string, join *engine.JoinOutcome) {
	wireFrame, err := t.eng.HandleAccept(ctx, join, t.RX1DROffset)
	if err != nil {
		log.Error().Err(err).Str("dev_eui", join.DevEUI.String()).Msg("join-accept emission failed")
		return
	}

	if err := t.publishDownlink(gatewayID, wireFrame); err != nil {
		log.Error().Err(err).Str("dev_eui", join.DevEUI.String()).Msg("failed to publish join-accept")
	}
}

// PublishDownlink sends a pre-encoded wire frame to gatewayID's
// downlink subject. The admin API's downlink endpoints do not call it:
// they return the encoded frame in their HTTP response.
func (t *NATSTransport) PublishDownlink(ctx context.Context, gatewayID string, frame []byte) error {
	return t.publishDownlink(gatewayID, frame)
}

func (t *NATSTransport) publishDownlink(gatewayID string, frame []byte) error {
	down := downlinkMessage{PHYPayload: base64.StdEncoding.EncodeToString(frame)}
	data, err := json.Marshal(down)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("gateway.%s.down", gatewayID)
	return t.nc.Publish(subject, data)
}
