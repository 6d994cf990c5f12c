package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/internal/storage"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// HandleAccept derives session keys for an outcome produced by Ingest's
// join path, writes the device/node records, purges any pending
// downlinks, and returns the encrypted join-accept wire frame (§4.6).
// rx1DROffset is the operator/caller's explicit override; the RX2 data
// rate and frequency are not separately configurable and always come
// from the network's region table (§4.4 branch 2's "default_for_region").
func (e *Engine) HandleAccept(ctx context.Context, join *JoinOutcome, rx1DROffset uint8) ([]byte, error) {
	var wireFrame []byte

	err := storage.WithTransaction(ctx, e.Store, func(ctx context.Context, tx storage.Store) error {
		device, err := tx.GetDevice(ctx, join.DevEUI)
		if err != nil {
			return err
		}

		network, err := tx.GetNetwork(ctx, join.Network)
		if err != nil {
			return err
		}
		region := lorawan.GetRegionConfiguration(network.Region)

		var appNonce [3]byte
		if _, err := rand.Read(appNonce[:]); err != nil {
			return fmt.Errorf("engine: generate app_nonce: %w", err)
		}

		nwkSKey, appSKey, err := lorawan.DeriveSessionKeys(device.AppKey, appNonce, network.NetID, join.DevNonce)
		if err != nil {
			return fmt.Errorf("engine: derive session keys: %w", err)
		}

		existing, err := tx.GetNode(ctx, join.DevAddr, storage.LockWrite)
		if err != nil && err != storage.ErrNotFound {
			return err
		}

		rx2DR := uint8(region.DefaultRX2DR)
		now := time.Now()
		node := &models.Node{
			DevAddr:  join.DevAddr,
			Profile:  device.Profile,
			NwkSKey:  nwkSKey,
			AppSKey:  appSKey,
			FCntDown: 0,
			RXWinUse: models.RXWindowSettings{
				RX1DROffset: rx1DROffset,
				RX2DR:       rx2DR,
				RX2Freq:     region.DefaultRX2Freq,
			},
			LastReset: &now,
		}

		if existing != nil {
			node.AppArgs = existing.AppArgs
			node.DevStat = existing.DevStat
			node.LastGateways = existing.LastGateways
			node.FirstReset = existing.FirstReset
			node.ResetCount = existing.ResetCount
			if existing.LastRX == nil && node.FirstReset != nil {
				node.ResetCount = existing.ResetCount + 1
				e.Warn.Warn(WarnScope{Scope: "join", Subject: join.DevAddr.String()}, "repeated_reset",
					map[string]interface{}{"reset_count": node.ResetCount})
			} else {
				node.FirstReset = &now
			}
		} else {
			node.FirstReset = &now
		}

		if err := tx.PutNode(ctx, node); err != nil {
			return err
		}

		device.Node = &join.DevAddr
		device.LastJoin = &now
		if err := tx.PutDevice(ctx, device); err != nil {
			return err
		}

		if err := tx.PurgePending(ctx, join.DevAddr); err != nil {
			return err
		}

		accept := &lorawan.JoinAcceptPayload{
			AppNonce: appNonce,
			NetID:    network.NetID,
			DevAddr:  join.DevAddr,
			DLSettings: lorawan.DLSettings{
				RX1DROffset: rx1DROffset,
				RX2DataRate: rx2DR,
			},
			RxDelay: e.RxDelay,
		}
		macPayload, err := accept.MarshalBinary()
		if err != nil {
			return fmt.Errorf("engine: marshal join-accept: %w", err)
		}

		phy := &lorawan.PHYPayload{
			MHDR:       lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0},
			MACPayload: macPayload,
		}
		if err := phy.EncryptJoinAcceptFrame(device.AppKey); err != nil {
			return fmt.Errorf("engine: encrypt join-accept: %w", err)
		}

		wireFrame = append([]byte{phy.MHDR.Byte()}, phy.MACPayload...)

		e.Warn.Warn(WarnScope{Scope: "join", Subject: join.DevEUI.String()}, "join",
			map[string]interface{}{"devaddr": join.DevAddr.String(), "network": join.Network})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wireFrame, nil
}
