package engine

import (
	"context"
	"fmt"

	"github.com/lorawan-net/frameengine/internal/storage"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// DownlinkRequest describes one frame to send to a device or multicast
// group (§4.7).
type DownlinkRequest struct {
	DevAddr   lorawan.DevAddr
	Confirmed bool
	ADR       bool
	ACK       bool
	FPending  bool
	FOpts     []byte
	FPort     *uint8
	Data      []byte
}

// EncodeUnicast transactionally advances the node's fcntdown and
// returns the signed wire frame.
func (e *Engine) EncodeUnicast(ctx context.Context, req DownlinkRequest) ([]byte, error) {
	var wireFrame []byte

	err := storage.WithTransaction(ctx, e.Store, func(ctx context.Context, tx storage.Store) error {
		node, err := tx.GetNode(ctx, req.DevAddr, storage.LockWrite)
		if err != nil {
			return err
		}

		fcnt := node.FCntDown
		node.FCntDown = lorawan.FCnt32Inc(node.FCntDown, 1)

		frame, err := e.encodeFrame(req, node.NwkSKey, node.AppSKey, fcnt)
		if err != nil {
			return err
		}
		if err := tx.PutNode(ctx, node); err != nil {
			return err
		}

		wireFrame = frame
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wireFrame, nil
}

// EncodeMulticast advances a multicast_channel's shared fcntdown. ADR
// and ACK are always 0 and no FOpts are carried (§4.7).
func (e *Engine) EncodeMulticast(ctx context.Context, devAddr lorawan.DevAddr, fport *uint8, data []byte) ([]byte, error) {
	var wireFrame []byte

	err := storage.WithTransaction(ctx, e.Store, func(ctx context.Context, tx storage.Store) error {
		ch, err := tx.GetMulticastChannel(ctx, devAddr, storage.LockWrite)
		if err != nil {
			return err
		}

		fcnt := ch.FCntDown
		ch.FCntDown = lorawan.FCnt32Inc(ch.FCntDown, 1)

		req := DownlinkRequest{DevAddr: devAddr, FPort: fport, Data: data}
		frame, err := e.encodeFrame(req, ch.NwkSKey, ch.AppSKey, fcnt)
		if err != nil {
			return err
		}
		if err := tx.PutMulticastChannel(ctx, ch); err != nil {
			return err
		}

		wireFrame = frame
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wireFrame, nil
}

// encodeFrame builds and signs one data-down frame at the given
// (pre-increment) fcnt, per §4.7's three encode_frame shapes.
func (e *Engine) encodeFrame(req DownlinkRequest, nwkSKey, appSKey lorawan.AES128Key, fcnt uint32) ([]byte, error) {
	mac := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: req.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR:      req.ADR,
				ACK:      req.ACK,
				FPending: req.FPending,
			},
			FCnt: uint16(fcnt),
		},
	}

	switch {
	case req.FPort != nil && *req.FPort == 0:
		cipher, err := lorawan.CipherFRMPayload(nwkSKey, dirDownlink, req.DevAddr, fcnt, req.FOpts)
		if err != nil {
			return nil, fmt.Errorf("engine: cipher port-0 fopts: %w", err)
		}
		port := uint8(0)
		mac.FPort = &port
		mac.FRMPayload = cipher
		if len(req.Data) > 0 {
			e.Warn.Warn(WarnScope{Scope: "node", Subject: req.DevAddr.String()}, "port0_data_dropped", nil)
		}

	case req.FPort != nil:
		mac.FHDR.FOpts = req.FOpts
		cipher, err := lorawan.CipherFRMPayload(appSKey, dirDownlink, req.DevAddr, fcnt, req.Data)
		if err != nil {
			return nil, fmt.Errorf("engine: cipher frm_payload: %w", err)
		}
		mac.FPort = req.FPort
		mac.FRMPayload = cipher

	default:
		mac.FHDR.FOpts = req.FOpts
	}

	macPayload, err := mac.Marshal(false)
	if err != nil {
		return nil, err
	}

	mtype := lorawan.UnconfirmedDataDown
	if req.Confirmed {
		mtype = lorawan.ConfirmedDataDown
	}

	phy := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: macPayload,
	}
	if err := phy.SetDataMIC(nwkSKey, false, req.DevAddr, fcnt); err != nil {
		return nil, fmt.Errorf("engine: sign downlink: %w", err)
	}

	return phy.MarshalBinary()
}
