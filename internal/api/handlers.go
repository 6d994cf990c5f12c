package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/frameengine/internal/engine"
	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/internal/storage"
	"github.com/lorawan-net/frameengine/pkg/crypto"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

// ========== Health / root ==========

func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "frameengine admin API",
		"health":  "/api/v1/health",
	})
}

// ========== Auth ==========

func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !crypto.VerifyPassword(req.Password, s.config.JWT.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.auth.GenerateToken()
	if err != nil {
		log.Error().Err(err).Msg("failed to sign access token")
		s.respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"access_token": token})
}

// ========== Devices ==========

func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, http.StatusNotImplemented, "device listing requires a store-wide scan; use GET /devices/{dev_eui}")
}

func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DevEUI  string `json:"dev_eui"`
		AppEUI  string `json:"app_eui"`
		AppKey  string `json:"app_key"`
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	devEUI, err := parseEUI64(req.DevEUI)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return
	}
	appKey, err := parseAES128Key(req.AppKey)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid app_key")
		return
	}
	profileID, err := uuid.Parse(req.Profile)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid profile id")
		return
	}

	device := &models.Device{
		DevEUI:  devEUI,
		AppKey:  appKey,
		Profile: profileID,
	}
	if req.AppEUI != "" {
		appEUI, err := parseEUI64(req.AppEUI)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid app_eui")
			return
		}
		device.AppEUI = &appEUI
	}

	if err := s.store.PutDevice(r.Context(), device); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, device)
}

func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return
	}

	device, err := s.store.GetDevice(r.Context(), devEUI)
	if err == storage.ErrNotFound {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, device)
}

func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return
	}
	if err := s.store.DeleteDevice(r.Context(), devEUI); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Profiles ==========

func (s *RESTServer) HandleListProfiles(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, http.StatusNotImplemented, "profile listing requires a store-wide scan")
}

func (s *RESTServer) HandleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Network   string `json:"network"`
		CanJoin   bool   `json:"can_join"`
		FCntCheck int    `json:"fcnt_check"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	profile := &models.Profile{
		ID:        uuid.New(),
		Network:   req.Network,
		CanJoin:   req.CanJoin,
		FCntCheck: models.FCntCheckMode(req.FCntCheck),
	}
	if err := s.store.PutProfile(r.Context(), profile); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, profile)
}

// ========== Networks ==========

func (s *RESTServer) HandleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.store.ListNetworks(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, networks)
}

func (s *RESTServer) HandleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		NetID  string `json:"net_id"`
		Region string `json:"region"`
		SubID  *struct {
			Bits  uint32 `json:"bits"`
			Width uint8  `json:"width"`
		} `json:"sub_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	netIDBytes, err := hex.DecodeString(req.NetID)
	if err != nil || len(netIDBytes) != 3 {
		s.respondError(w, http.StatusBadRequest, "net_id must be 3 hex bytes")
		return
	}

	network := &models.Network{
		Name:   req.Name,
		Region: req.Region,
	}
	copy(network.NetID[:], netIDBytes)
	if req.SubID != nil {
		network.SubID = &models.SubID{Bits: req.SubID.Bits, Width: req.SubID.Width}
	}

	if err := s.store.PutNetwork(r.Context(), network); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, network)
}

// ========== Ignored nodes ==========

func (s *RESTServer) HandleCreateIgnoredNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DevAddr string `json:"devaddr"`
		Mask    string `json:"mask"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	devAddr, err := parseDevAddr(req.DevAddr)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devaddr")
		return
	}

	rule := &models.IgnoredNode{DevAddr: devAddr}
	if req.Mask != "" {
		mask, err := parseDevAddr(req.Mask)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid mask")
			return
		}
		rule.Mask = &mask
	}

	if err := s.store.PutIgnoredNode(r.Context(), rule); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, rule)
}

func (s *RESTServer) HandleDeleteIgnoredNode(w http.ResponseWriter, r *http.Request) {
	devAddr, err := parseDevAddr(chi.URLParam(r, "devaddr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devaddr")
		return
	}
	if err := s.store.DeleteIgnoredNode(r.Context(), devAddr); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Multicast channels ==========

func (s *RESTServer) HandleCreateMulticastChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DevAddr string `json:"devaddr"`
		NwkSKey string `json:"nwk_s_key"`
		AppSKey string `json:"app_s_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	devAddr, err := parseDevAddr(req.DevAddr)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devaddr")
		return
	}
	nwkSKey, err := parseAES128Key(req.NwkSKey)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid nwk_s_key")
		return
	}
	appSKey, err := parseAES128Key(req.AppSKey)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid app_s_key")
		return
	}

	ch := &models.MulticastChannel{DevAddr: devAddr, NwkSKey: nwkSKey, AppSKey: appSKey}
	if err := s.store.PutMulticastChannel(r.Context(), ch); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, ch)
}

func (s *RESTServer) HandleMulticastDownlink(w http.ResponseWriter, r *http.Request) {
	devAddr, err := parseDevAddr(chi.URLParam(r, "devaddr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devaddr")
		return
	}

	var req downlinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	data, fport, err := req.decode()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	frame, err := s.engine.EncodeMulticast(r.Context(), devAddr, fport, data)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"phy_payload": lorawan.EncodeHex(frame)})
}

// ========== Nodes / unicast downlink ==========

func (s *RESTServer) HandleGetNode(w http.ResponseWriter, r *http.Request) {
	devAddr, err := parseDevAddr(chi.URLParam(r, "devaddr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devaddr")
		return
	}

	node, err := s.store.GetNode(r.Context(), devAddr, storage.LockRead)
	if err == storage.ErrNotFound {
		s.respondError(w, http.StatusNotFound, "node not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, node)
}

type downlinkRequest struct {
	Confirmed bool   `json:"confirmed"`
	ADR       bool   `json:"adr"`
	ACK       bool   `json:"ack"`
	FPending  bool   `json:"fpending"`
	FOptsHex  string `json:"fopts_hex"`
	FPort     *uint8 `json:"fport"`
	DataHex   string `json:"data_hex"`
}

func (req downlinkRequest) decode() (data []byte, fport *uint8, err error) {
	if req.FOptsHex != "" {
		if _, err := hex.DecodeString(req.FOptsHex); err != nil {
			return nil, nil, fmt.Errorf("invalid fopts_hex: %w", err)
		}
	}
	if req.DataHex != "" {
		data, err = hex.DecodeString(req.DataHex)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid data_hex: %w", err)
		}
	}
	return data, req.FPort, nil
}

func (s *RESTServer) HandleUnicastDownlink(w http.ResponseWriter, r *http.Request) {
	devAddr, err := parseDevAddr(chi.URLParam(r, "devaddr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devaddr")
		return
	}

	var req downlinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	data, fport, err := req.decode()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var fopts []byte
	if req.FOptsHex != "" {
		fopts, _ = hex.DecodeString(req.FOptsHex)
	}

	downlinkReq := engine.DownlinkRequest{
		DevAddr:   devAddr,
		Confirmed: req.Confirmed,
		ADR:       req.ADR,
		ACK:       req.ACK,
		FPending:  req.FPending,
		FOpts:     fopts,
		FPort:     fport,
		Data:      data,
	}

	frame, err := s.engine.EncodeUnicast(r.Context(), downlinkReq)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"phy_payload": lorawan.EncodeHex(frame)})
}

// ========== Helpers ==========

func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func parseEUI64(s string) (lorawan.EUI64, error) {
	var eui lorawan.EUI64
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return eui, fmt.Errorf("invalid EUI64: %s", s)
	}
	copy(eui[:], b)
	return eui, nil
}

func parseDevAddr(s string) (lorawan.DevAddr, error) {
	var a lorawan.DevAddr
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return a, fmt.Errorf("invalid DevAddr: %s", s)
	}
	copy(a[:], b)
	return a, nil
}

func parseAES128Key(s string) (lorawan.AES128Key, error) {
	var k lorawan.AES128Key
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return k, fmt.Errorf("invalid AES-128 key: %s", s)
	}
	copy(k[:], b)
	return k, nil
}
