package engine

import (
	"context"

	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/internal/storage"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// Ingest parses a raw PHY payload, dispatches to the join or data-up
// path, and returns a tagged Outcome (§4.2). All mutations it performs
// happen inside one store transaction, so a cancelled call or one that
// returns an error leaves no partial state behind.
func (e *Engine) Ingest(ctx context.Context, phyPayload []byte) (*Outcome, *EngineError) {
	phy := &lorawan.PHYPayload{}
	if err := phy.UnmarshalBinary(phyPayload); err != nil {
		return nil, newError(ErrBadFrame, "", err.Error())
	}

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		return e.ingestJoinRequest(ctx, phy)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		return e.ingestDataUp(ctx, phy)
	default:
		return nil, newError(ErrBadFrame, "", "mtype not accepted on uplink ingest")
	}
}

func (e *Engine) ingestJoinRequest(ctx context.Context, phy *lorawan.PHYPayload) (*Outcome, *EngineError) {
	req := &lorawan.JoinRequestPayload{}
	if err := req.UnmarshalBinary(phy.MACPayload); err != nil {
		return nil, newError(ErrBadFrame, "", err.Error())
	}

	var outcome *Outcome
	var engErr *EngineError

	err := storage.WithTransaction(ctx, e.Store, func(ctx context.Context, tx storage.Store) error {
		device, err := tx.GetDevice(ctx, req.DevEUI)
		if err == storage.ErrNotFound {
			engErr = newError(ErrUnknownDevEUI, req.DevEUI.String(), "")
			return engErr
		}
		if err != nil {
			return err
		}

		if device.AppEUI != nil && *device.AppEUI != req.AppEUI {
			engErr = newError(ErrBadAppEUI, req.DevEUI.String(), "")
			return engErr
		}

		ok, err := phy.VerifyJoinRequestMIC(device.AppKey)
		if err != nil {
			return err
		}
		if !ok {
			engErr = newError(ErrBadMIC, req.DevEUI.String(), "join-request")
			return engErr
		}

		profile, err := tx.GetProfile(ctx, device.Profile)
		if err == storage.ErrNotFound {
			engErr = newError(ErrUnknownProfile, req.DevEUI.String(), "")
			return engErr
		}
		if err != nil {
			return err
		}

		network, err := tx.GetNetwork(ctx, profile.Network)
		if err == storage.ErrNotFound {
			engErr = newError(ErrUnknownNetwork, req.DevEUI.String(), "")
			return engErr
		}
		if err != nil {
			return err
		}

		if !profile.CanJoin {
			outcome = &Outcome{Kind: OutcomeIgnore}
			return nil
		}

		devAddr, err := AllocateDevAddr(ctx, tx, network, device)
		if err != nil {
			if ee, ok := err.(*EngineError); ok {
				engErr = ee
			} else {
				return err
			}
			return engErr
		}

		outcome = &Outcome{
			Kind: OutcomeJoin,
			Join: &JoinOutcome{
				Network:  network.Name,
				Profile:  profile.ID.String(),
				DevEUI:   req.DevEUI,
				DevAddr:  devAddr,
				DevNonce: req.DevNonce,
			},
		}
		return nil
	})

	if engErr != nil {
		return nil, engErr
	}
	if err != nil {
		return nil, newError(ErrBadFrame, req.DevEUI.String(), err.Error())
	}
	return outcome, nil
}

func (e *Engine) ingestDataUp(ctx context.Context, phy *lorawan.PHYPayload) (*Outcome, *EngineError) {
	mac := &lorawan.MACPayload{}
	if err := mac.Unmarshal(phy.MACPayload, true); err != nil {
		return nil, newError(ErrBadFrame, "", err.Error())
	}
	devAddr := mac.FHDR.DevAddr
	isConfirmed := phy.MHDR.MType == lorawan.ConfirmedDataUp

	var outcome *Outcome
	var engErr *EngineError

	err := storage.WithTransaction(ctx, e.Store, func(ctx context.Context, tx storage.Store) error {
		ignored, err := tx.ListIgnoredNodes(ctx)
		if err != nil {
			return err
		}
		for _, rule := range ignored {
			if rule.Matches(devAddr) {
				outcome = &Outcome{Kind: OutcomeIgnore}
				return nil
			}
		}

		node, err := tx.GetNode(ctx, devAddr, storage.LockWrite)
		if err == storage.ErrNotFound {
			networks, listErr := tx.ListNetworks(ctx)
			if listErr != nil {
				return listErr
			}
			if devAddrInAnyNetwork(devAddr, networks) {
				engErr = newError(ErrUnknownDevAddr, devAddr.String(), "")
			} else {
				engErr = newError(ErrIgnoredNode, devAddr.String(), "")
			}
			return engErr
		}
		if err != nil {
			return err
		}

		profile, err := tx.GetProfile(ctx, node.Profile)
		if err == storage.ErrNotFound {
			engErr = newError(ErrUnknownProfile, devAddr.String(), "")
			return engErr
		}
		if err != nil {
			return err
		}

		result, fcntErr := CheckFCnt(node, profile, mac.FHDR.FCnt, e.MaxLostAfterReset)
		if fcntErr != nil {
			engErr = fcntErr
			return engErr
		}

		if result.Action == FCntReset {
			if err := tx.PurgePending(ctx, devAddr); err != nil {
				return err
			}
		}

		checkFCntUp := result.NewFCntUp
		ok, err := phy.VerifyDataMIC(node.NwkSKey, true, devAddr, checkFCntUp)
		if err != nil {
			return err
		}
		if !ok {
			engErr = newError(ErrBadMIC, devAddr.String(), "")
			return engErr
		}

		if mac.FPort != nil && *mac.FPort == 0 && len(mac.FHDR.FOpts) != 0 {
			engErr = newError(ErrDoubleFOpts, devAddr.String(), "")
			return engErr
		}

		frame := &UplinkFrame{
			DevAddr:   devAddr,
			FCntUp:    checkFCntUp,
			ACK:       mac.FHDR.FCtrl.ACK,
			Confirmed: isConfirmed,
		}

		switch {
		case mac.FPort != nil && *mac.FPort == 0:
			plain, decErr := lorawan.CipherFRMPayload(node.NwkSKey, dirUplink, devAddr, checkFCntUp, mac.FRMPayload)
			if decErr != nil {
				return decErr
			}
			frame.FOpts = plain
		case mac.FPort != nil:
			plain, decErr := lorawan.CipherFRMPayload(node.AppSKey, dirUplink, devAddr, checkFCntUp, mac.FRMPayload)
			if decErr != nil {
				return decErr
			}
			frame.FPort = mac.FPort
			frame.FOpts = mac.FHDR.FOpts
			frame.Data = plain
		default:
			frame.FOpts = mac.FHDR.FOpts
		}

		switch result.Action {
		case FCntRetransmit:
			outcome = &Outcome{Kind: OutcomeRetransmit, Uplink: frame}
			return nil

		case FCntReset:
			network, err := tx.GetNetwork(ctx, profile.Network)
			if err != nil {
				return err
			}
			defaults := regionDefaults(lorawan.GetRegionConfiguration(network.Region))

			node.FCntUp = &result.NewFCntUp
			node.FCntDown = 0
			node.ADRUse = defaults.ADRUse
			node.RXWinUse = defaults.RXWinUse
			node.LastReset = timeNowPtr()
			node.DevStatFCnt = nil
			node.LastQs = nil
			node.LastRX = timeNowPtr()
			if err := tx.PutNode(ctx, node); err != nil {
				return err
			}
			e.Warn.Warn(WarnScope{Scope: "node", Subject: devAddr.String()}, "fcnt_reset", nil)

		case FCntAccept:
			node.FCntUp = &result.NewFCntUp
			node.LastRX = timeNowPtr()
			if err := tx.PutNode(ctx, node); err != nil {
				return err
			}
			if result.MissedWarn != nil {
				e.Warn.Warn(WarnScope{Scope: "node", Subject: devAddr.String()}, "uplinks_missed",
					map[string]interface{}{"missed": *result.MissedWarn})
			}
		}

		outcome = &Outcome{Kind: OutcomeUplink, Uplink: frame}
		return nil
	})

	if engErr != nil {
		return nil, engErr
	}
	if err != nil {
		return nil, newError(ErrBadFrame, devAddr.String(), err.Error())
	}
	return outcome, nil
}

func devAddrInAnyNetwork(devAddr lorawan.DevAddr, networks []*models.Network) bool {
	for _, n := range networks {
		nwkID := n.NetID[2] & 0x7F
		if (devAddr[0]>>1)&0x7F == nwkID {
			return true
		}
	}
	return false
}
