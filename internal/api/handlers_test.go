package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lorawan-net/frameengine/internal/config"
	"github.com/lorawan-net/frameengine/internal/engine"
	"github.com/lorawan-net/frameengine/internal/storage"
	"github.com/lorawan-net/frameengine/pkg/crypto"
)

func newTestServer(t *testing.T) (*RESTServer, string) {
	t.Helper()
	hash, err := crypto.HashPassword("operator-secret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour, PasswordHash: hash},
	}
	store := storage.NewMemoryStore()
	eng := engine.New(store, engine.NopSink{}, 16384, 1)
	return NewRESTServer(cfg, store, eng), "operator-secret"
}

func TestHealthEndpointIsPublic(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/networks", nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginThenAccessProtectedRoute(t *testing.T) {
	server, password := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"password": password})
	loginReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	loginRec := httptest.NewRecorder()
	server.router.ServeHTTP(loginRec, loginReq)

	if loginRec.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d: %s", loginRec.Code, loginRec.Body.String())
	}

	var loginResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(loginRec.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if loginResp.AccessToken == "" {
		t.Fatalf("expected non-empty access token")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/networks", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.AccessToken)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	server, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"password": "not-the-password"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateAndFetchDevice(t *testing.T) {
	server, password := newTestServer(t)
	token := loginForToken(t, server, password)

	profileBody, _ := json.Marshal(map[string]interface{}{"network": "test-net", "can_join": true, "fcnt_check": 0})
	profileReq := httptest.NewRequest(http.MethodPost, "/api/v1/profiles", bytes.NewReader(profileBody))
	profileReq.Header.Set("Authorization", "Bearer "+token)
	profileRec := httptest.NewRecorder()
	server.router.ServeHTTP(profileRec, profileReq)
	if profileRec.Code != http.StatusCreated {
		t.Fatalf("expected profile creation to succeed, got %d: %s", profileRec.Code, profileRec.Body.String())
	}
	var profile struct {
		ID string `json:"ID"`
	}
	_ = json.Unmarshal(profileRec.Body.Bytes(), &profile)

	deviceBody, _ := json.Marshal(map[string]string{
		"dev_eui": "0102030405060708",
		"app_key": "00112233445566778899aabbccddeeff",
		"profile": profile.ID,
	})
	deviceReq := httptest.NewRequest(http.MethodPost, "/api/v1/devices", bytes.NewReader(deviceBody))
	deviceReq.Header.Set("Authorization", "Bearer "+token)
	deviceRec := httptest.NewRecorder()
	server.router.ServeHTTP(deviceRec, deviceReq)
	if deviceRec.Code != http.StatusCreated {
		t.Fatalf("expected device creation to succeed, got %d: %s", deviceRec.Code, deviceRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/devices/0102030405060708", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	server.router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected device fetch to succeed, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func loginForToken(t *testing.T, server *RESTServer, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d", rec.Code)
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}
