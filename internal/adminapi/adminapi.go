// Package adminapi implements the limiter's local operator control
// surface (SPEC_FULL.md §5): a small bearer-token-protected HTTP API,
// not a general REST admin API, backed directly by the core
// components rather than a separate store. Auth is adapted from the
// teacher's internal/auth/jwt.go: the operator's configured API key is
// bcrypt-hashed at rest and only ever compared, never stored or logged
// in the clear; a successful /admin/login exchange issues a short-lived
// HS256 JWT (golang-jwt/jwt/v5) that every other endpoint requires as
// a bearer token, mirroring GenerateAccessToken/ValidateAccessToken's
// shape without the Hasura-specific claims this domain has no use for.
package adminapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pasarguard/iplimiter/internal/config"
	"github.com/pasarguard/iplimiter/internal/disabledstore"
	"github.com/pasarguard/iplimiter/internal/evaluator"
	"github.com/pasarguard/iplimiter/internal/groupstore"
	"github.com/pasarguard/iplimiter/internal/panelclient"
	"github.com/pasarguard/iplimiter/internal/punishment"
)

// tokenTTL bounds the lifetime of an issued session token, matching
// the teacher's short-lived access-token convention.
const tokenTTL = time.Hour

// claims is the operator session token's payload. There is exactly one
// operator identity, so unlike the teacher's subscriber Claims there is
// no subject-specific role/permission set to carry.
type claims struct {
	jwt.RegisteredClaims
}

// HashAPIKey bcrypt-hashes the operator-configured admin API key for
// storage. The raw key should never be persisted; only this hash is
// kept by the running process (passed to New).
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("adminapi: hash api key: %w", err)
	}
	return string(hash), nil
}

// NewSigningSecret generates a random HS256 signing secret, scoped to
// the process lifetime: operator sessions do not need to survive a
// restart, so there is no reason to persist this beyond memory.
func NewSigningSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("adminapi: generate signing secret: %w", err)
	}
	return b, nil
}

// SpecialLimitsStore is the subset of sqlstore.Store (or the
// config-file fallback) the admin API needs for limit management.
type SpecialLimitsStore interface {
	All(ctx context.Context) (map[string]int, error)
	Set(ctx context.Context, username string, limit int) error
	Delete(ctx context.Context, username string) error
}

// Server is the admin HTTP API.
type Server struct {
	apiKeyHash []byte
	signingKey []byte
	cfg        func() *config.Config
	disabled   *disabledstore.Store
	groups     *groupstore.Store
	punish     *punishment.Engine
	panel      *panelclient.Client
	special    SpecialLimitsStore
	eval       *evaluator.Evaluator
	log        *slog.Logger
	mux        *http.ServeMux
}

// New builds a Server and registers its routes. apiKeyHash is the
// bcrypt hash of the operator's admin API key (HashAPIKey); signingKey
// signs session tokens issued by /admin/login (NewSigningSecret).
// special may be nil, in which case limit management only touches
// cfg's in-memory map for the life of the process.
func New(
	apiKeyHash string,
	signingKey []byte,
	cfg func() *config.Config,
	disabled *disabledstore.Store,
	groups *groupstore.Store,
	punish *punishment.Engine,
	panel *panelclient.Client,
	special SpecialLimitsStore,
	eval *evaluator.Evaluator,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		apiKeyHash: []byte(apiKeyHash),
		signingKey: signingKey,
		cfg:        cfg,
		disabled:   disabled,
		groups:     groups,
		punish:     punish,
		panel:      panel,
		special:    special,
		eval:       eval,
		log:        log,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/admin/login", s.handleLogin)
	s.mux.HandleFunc("/admin/limits", s.authed(s.handleLimits))
	s.mux.HandleFunc("/admin/whitelist", s.authed(s.handleWhitelist))
	s.mux.HandleFunc("/admin/disabled", s.authed(s.handleDisabled))
	s.mux.HandleFunc("/admin/status", s.authed(s.handleStatus))
	s.mux.HandleFunc("/admin/cleanup", s.authed(s.handleCleanup))
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleLogin exchanges the operator's plaintext API key for a
// short-lived session token. The key is compared against apiKeyHash
// via bcrypt and never logged or echoed back.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(body.APIKey)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			Issuer:    "iplimiter",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	signed, err := tok.SignedString(s.signingKey)
	if err != nil {
		http.Error(w, "token signing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": signed})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.validate(bearerToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// validate parses and checks a session token signed by /admin/login,
// mirroring ValidateAccessToken's shape: reject anything not signed
// with HMAC and this process's signingKey.
func (s *Server) validate(tokenStr string) (*claims, error) {
	if tokenStr == "" {
		return nil, errors.New("missing token")
	}
	tok, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token claims")
	}
	return c, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

// handleLimits: GET lists special limits; POST {username,limit} sets
// one; DELETE ?username= removes one.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.cfg()
		out := map[string]int{}
		for u, lim := range cfg.Limits.Special {
			out[u] = lim
		}
		if s.special != nil {
			if dbLimits, err := s.special.All(r.Context()); err == nil {
				for u, lim := range dbLimits {
					out[u] = lim
				}
			}
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body struct {
			Username string `json:"username"`
			Limit    int    `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Limit < 1 {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		if s.special != nil {
			if err := s.special.Set(r.Context(), body.Username, body.Limit); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		s.cfg().Limits.Special[body.Username] = body.Limit
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		u := r.URL.Query().Get("username")
		if u == "" {
			http.Error(w, "username required", http.StatusBadRequest)
			return
		}
		if s.special != nil {
			if err := s.special.Delete(r.Context(), u); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		delete(s.cfg().Limits.Special, u)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWhitelist: GET lists except_users; POST {username} adds; DELETE
// ?username= removes.
func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, cfg.ExceptUsers)
	case http.MethodPost:
		var body struct {
			Username string `json:"username"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		for _, u := range cfg.ExceptUsers {
			if u == body.Username {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		cfg.ExceptUsers = append(cfg.ExceptUsers, body.Username)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		u := r.URL.Query().Get("username")
		out := cfg.ExceptUsers[:0]
		for _, existing := range cfg.ExceptUsers {
			if existing != u {
				out = append(out, existing)
			}
		}
		cfg.ExceptUsers = out
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDisabled: GET lists disabled users; DELETE ?username= enables
// one; DELETE with no query enables all; PUT ?action=clear clears the
// punishment history for a user (?username=) without re-enabling.
func (s *Server) handleDisabled(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.disabled.All())
	case http.MethodDelete:
		u := r.URL.Query().Get("username")
		if u != "" {
			if err := s.enableOne(r.Context(), u); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		for _, du := range s.disabled.All() {
			if err := s.enableOne(r.Context(), du.Username); err != nil {
				s.log.Error("enable-all: failed for user", "username", du.Username, "err", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPut:
		if r.URL.Query().Get("action") != "clear" {
			http.Error(w, "unsupported action", http.StatusBadRequest)
			return
		}
		u := r.URL.Query().Get("username")
		if u == "" {
			if err := s.punish.ClearAll(); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		} else if err := s.punish.ClearUser(u); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) enableOne(ctx context.Context, u string) error {
	cfg := s.cfg()
	if cfg.DisableMethod == "group" {
		if groupIDs, ok := s.groups.Get(u); ok {
			if err := s.panel.UpdateUserGroups(ctx, u, groupIDs); err != nil {
				return err
			}
			_ = s.groups.Remove(u)
		}
	}
	if err := s.panel.UpdateUserStatus(ctx, u, "active"); err != nil {
		return err
	}
	return s.disabled.Remove(u)
}

// handleStatus returns a snapshot of operator-relevant counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg()
	writeJSON(w, map[string]any{
		"disabled_users":  s.disabled.Len(),
		"general_limit":   cfg.Limits.General,
		"special_limits":  len(cfg.Limits.Special),
		"except_users":    len(cfg.ExceptUsers),
		"disable_method":  cfg.DisableMethod,
		"punishment_on":   cfg.Punishment.Enabled,
	})
}

// handleCleanup triggers internal/evaluator.CleanupDeletedUsers
// on demand.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg()
	var removedSpecial, removedDisabled []string
	err := s.eval.CleanupDeletedUsers(r.Context(), cfg,
		func(u string) { removedSpecial = append(removedSpecial, u); delete(cfg.Limits.Special, u) },
		func(u string) { removedDisabled = append(removedDisabled, u); _ = s.disabled.Remove(u) },
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string][]string{
		"removed_special":  removedSpecial,
		"removed_disabled": removedDisabled,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
