package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/pasarguard/iplimiter/internal/config"
	"github.com/pasarguard/iplimiter/internal/disabledstore"
	"github.com/pasarguard/iplimiter/internal/groupstore"
	"github.com/pasarguard/iplimiter/internal/model"
	"github.com/pasarguard/iplimiter/internal/panelclient"
	"github.com/pasarguard/iplimiter/internal/punishment"
)

const testAPIKey = "correct horse battery staple"

func newTestServer(t *testing.T) (*Server, *config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Limits.Special = map[string]int{}

	disabled := disabledstore.New(filepath.Join(dir, "disabled.json"))
	groups := groupstore.New(filepath.Join(dir, "groups.json"))
	punish := punishment.New(filepath.Join(dir, "punishment.json"), true, 24, model.DefaultPunishmentSteps())
	panel := panelclient.New(panelclient.Credentials{Domain: "127.0.0.1:0"})

	keyHash, err := HashAPIKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	signingKey, err := NewSigningSecret()
	if err != nil {
		t.Fatalf("NewSigningSecret: %v", err)
	}

	s := New(keyHash, signingKey, func() *config.Config { return cfg }, disabled, groups, punish, panel, nil, nil, nil)

	body, _ := json.Marshal(map[string]string{"api_key": testAPIKey})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("login: got %d, want 200: %s", w.Code, w.Body.String())
	}
	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return s, cfg, loginResp.Token
}

func authedRequest(method, target string, body []byte, token string) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestLogin_RejectsWrongAPIKey(t *testing.T) {
	s, _, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"api_key": "wrong key"})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", w.Code)
	}
}

func TestAuth_RejectsMissingOrWrongToken(t *testing.T) {
	s, _, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d, want 401", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	r2.Header.Set("Authorization", "Bearer not-a-real-jwt")
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, r2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d, want 401", w2.Code)
	}
}

func TestAuth_AcceptsSessionTokenFromLogin(t *testing.T) {
	s, _, token := newTestServer(t)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authedRequest(http.MethodGet, "/admin/status", nil, token))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestLimits_SetListDelete(t *testing.T) {
	s, cfg, token := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"username": "ivan", "limit": 3})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/limits", body, token))
	if w.Code != http.StatusNoContent {
		t.Fatalf("set: got %d, want 204: %s", w.Code, w.Body.String())
	}
	if cfg.Limits.Special["ivan"] != 3 {
		t.Fatalf("expected config to hold ivan=3, got %v", cfg.Limits.Special)
	}

	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, authedRequest(http.MethodGet, "/admin/limits", nil, token))
	var out map[string]int
	if err := json.Unmarshal(w2.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["ivan"] != 3 {
		t.Fatalf("expected listed limit 3, got %v", out)
	}

	w3 := httptest.NewRecorder()
	s.ServeHTTP(w3, authedRequest(http.MethodDelete, "/admin/limits?username=ivan", nil, token))
	if w3.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d, want 204", w3.Code)
	}
	if _, ok := cfg.Limits.Special["ivan"]; ok {
		t.Fatal("expected ivan removed from special limits")
	}
}

func TestLimits_RejectsInvalidBody(t *testing.T) {
	s, _, token := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"username": "", "limit": 3})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/limits", body, token))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}
}

func TestWhitelist_AddListRemove(t *testing.T) {
	s, _, token := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "carol"})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/whitelist", body, token))
	if w.Code != http.StatusNoContent {
		t.Fatalf("add: got %d, want 204", w.Code)
	}

	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, authedRequest(http.MethodGet, "/admin/whitelist", nil, token))
	var out []string
	if err := json.Unmarshal(w2.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, u := range out {
		if u == "carol" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected carol in whitelist, got %v", out)
	}

	w3 := httptest.NewRecorder()
	s.ServeHTTP(w3, authedRequest(http.MethodDelete, "/admin/whitelist?username=carol", nil, token))
	if w3.Code != http.StatusNoContent {
		t.Fatalf("remove: got %d, want 204", w3.Code)
	}
}

func TestStatus_ReportsCounts(t *testing.T) {
	s, _, token := newTestServer(t)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, authedRequest(http.MethodGet, "/admin/status", nil, token))
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := out["disabled_users"]; !ok {
		t.Fatalf("expected disabled_users field, got %v", out)
	}
}

func TestHashAPIKey_RoundTripsWithBcryptCompare(t *testing.T) {
	hash, err := HashAPIKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	if hash == testAPIKey {
		t.Fatal("expected hash to differ from raw key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(testAPIKey)); err != nil {
		t.Errorf("bcrypt compare of hash against raw key: %v", err)
	}
}
