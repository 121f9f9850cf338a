package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseActor(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	claims := jwt.MapClaims{
		"sub":  "player-1",
		"role": "player",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Add(-time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	actor, err := verifier.ParseActor(signed)
	if err != nil {
		t.Fatalf("parse actor: %v", err)
	}
	if actor.ID != "player-1" || actor.Role != RolePlayer {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseActorRejectsUnknownRole(t *testing.T) {
	signer := NewJWTSigner("test-secret")
	signed, _, err := signer.SignActor(Actor{ID: "x", Role: "root"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTVerifier("test-secret").ParseActor(signed); err != ErrMissingClaims {
		t.Fatalf("expected missing claims error, got %v", err)
	}
}

func TestParseActorRejectsExpiredAndForeignTokens(t *testing.T) {
	signer := NewJWTSigner("test-secret")
	old := time.Now().Add(-2 * time.Hour)
	expired, _, err := signer.SignActor(Actor{ID: "master-1", Role: RoleMaster}, old, time.Hour)
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}
	if _, err := NewJWTVerifier("test-secret").ParseActor(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	fresh, _, err := NewJWTSigner("other-secret").SignActor(Actor{ID: "master-1", Role: RoleMaster}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign foreign: %v", err)
	}
	if _, err := NewJWTVerifier("test-secret").ParseActor(fresh); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseActorWithKeyRotation(t *testing.T) {
	keyset, err := ParseHMACKeyset("", "old:old-secret,new:new-secret", "new")
	if err != nil {
		t.Fatalf("parse keyset: %v", err)
	}
	signerOld := NewJWTSignerWithKeyset(HMACKeyset{
		ActiveKID: "old",
		Keys:      keyset.Keys,
	})
	signerNew := NewJWTSignerWithKeyset(HMACKeyset{
		ActiveKID: "new",
		Keys:      keyset.Keys,
	})
	verifier := NewJWTVerifierWithKeyset(keyset)

	now := time.Now().UTC()
	oldToken, _, err := signerOld.SignActor(Actor{ID: "player-1", Role: RolePlayer}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign old token: %v", err)
	}
	newToken, _, err := signerNew.SignActor(Actor{ID: "player-2", Role: RolePlayer}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign new token: %v", err)
	}

	oldActor, err := verifier.ParseActor(oldToken)
	if err != nil {
		t.Fatalf("verify old token: %v", err)
	}
	newActor, err := verifier.ParseActor(newToken)
	if err != nil {
		t.Fatalf("verify new token: %v", err)
	}
	if oldActor.ID != "player-1" || newActor.ID != "player-2" {
		t.Fatalf("unexpected actors after rotation: old=%+v new=%+v", oldActor, newActor)
	}
}

func TestParseHMACKeysetRejectsMissingActiveKID(t *testing.T) {
	if _, err := ParseHMACKeyset("", "k1:s1", "k9"); err == nil {
		t.Fatalf("expected error for unknown active kid")
	}
	if _, err := ParseHMACKeyset("", "", ""); err != ErrEmptyKeyset {
		t.Fatalf("expected empty keyset error, got %v", err)
	}
}

func TestLoadHMACKeysetFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jwt-keyset.yaml")
	if err := os.WriteFile(path, []byte("active_kid: k2\nkeys:\n  k1: secret1\n  k2: secret2\n"), 0o600); err != nil {
		t.Fatalf("write keyset file: %v", err)
	}

	keyset, err := LoadHMACKeysetFile(path)
	if err != nil {
		t.Fatalf("load keyset file: %v", err)
	}
	if keyset.ActiveKID != "k2" {
		t.Fatalf("expected active kid k2, got=%q", keyset.ActiveKID)
	}
	if string(keyset.Keys["k1"]) != "secret1" || string(keyset.Keys["k2"]) != "secret2" {
		t.Fatalf("unexpected key material")
	}
}

func TestHTTPJWTMiddleware(t *testing.T) {
	signer := NewJWTSigner("mw-secret")
	verifier := NewJWTVerifier("mw-secret")
	var seen Actor
	h := HTTPJWTMiddleware(verifier, "/healthz", "/v1/auth/")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/healthz", "/v1/auth/login"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected skip path %s to pass, got=%d", path, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/wallets/p1", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got=%d", rr.Code)
	}

	tok, _, err := signer.SignActor(Actor{ID: "super-1", Role: RoleSuper}, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/wallets/p1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected authorized request, got=%d body=%s", rr.Code, rr.Body.String())
	}
	if seen.ID != "super-1" || seen.Role != RoleSuper {
		t.Fatalf("unexpected actor in context: %+v", seen)
	}
}
