package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorContextKey contextKey = "actor"

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingClaims  = errors.New("missing actor claims")
	ErrUnknownKeyID   = errors.New("unknown signing key id")
	ErrEmptyKeyset    = errors.New("jwt keyset contains no keys")
	ErrMissingBearer  = errors.New("missing bearer token")
	ErrActiveKIDMatch = errors.New("active kid not found in keyset")
)

type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// HMACKeyset holds every key a verifier accepts. Signers use ActiveKID.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// ParseHMACKeyset builds a keyset from a single secret and/or a list of
// kid:secret pairs. A lone secret is registered under "default".
func ParseHMACKeyset(secret, pairs, activeKID string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	if s := strings.TrimSpace(secret); s != "" {
		keys["default"] = []byte(s)
	}
	for _, part := range strings.Split(pairs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, sec, ok := strings.Cut(part, ":")
		kid, sec = strings.TrimSpace(kid), strings.TrimSpace(sec)
		if !ok || kid == "" || sec == "" {
			return HMACKeyset{}, fmt.Errorf("malformed keyset entry %q", part)
		}
		keys[kid] = []byte(sec)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, ErrEmptyKeyset
	}
	active := strings.TrimSpace(activeKID)
	if active == "" {
		active = "default"
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("%w: %q", ErrActiveKIDMatch, active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

type actorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type JWTSigner struct {
	keyset HMACKeyset
}

func NewJWTSigner(secret string) *JWTSigner {
	return NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}})
}

func NewJWTSignerWithKeyset(ks HMACKeyset) *JWTSigner {
	return &JWTSigner{keyset: ks}
}

// SignActor issues an HS256 access token for actor valid for ttl from now.
func (s *JWTSigner) SignActor(actor Actor, now time.Time, ttl time.Duration) (string, time.Time, error) {
	key, ok := s.keyset.Keys[s.keyset.ActiveKID]
	if !ok {
		return "", time.Time{}, ErrUnknownKeyID
	}
	expiresAt := now.Add(ttl)
	claims := actorClaims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.keyset.ActiveKID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

type JWTVerifier struct {
	keyset HMACKeyset
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return NewJWTVerifierWithKeyset(HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}})
}

func NewJWTVerifierWithKeyset(ks HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keyset: ks}
}

// SetTimeFunc overrides the clock used for exp/iat checks.
func (v *JWTVerifier) SetTimeFunc(now func() time.Time) {
	v.now = now
}

func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	claims := &actorClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5 * time.Second),
	}
	if v.now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.now))
	}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = "default"
		}
		key, ok := v.keyset.Keys[kid]
		if !ok {
			return nil, ErrUnknownKeyID
		}
		return key, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}
	role := Role(claims.Role)
	if claims.Subject == "" || !role.Valid() {
		return Actor{}, ErrMissingClaims
	}
	return Actor{ID: claims.Subject, Role: role}, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": "authentication_required", "error": msg})
}

// HTTPJWTMiddleware requires a valid bearer token on every path except the
// exact paths or "/"-terminated prefixes listed in skipPaths.
func HTTPJWTMiddleware(verifier *JWTVerifier, skipPaths ...string) func(http.Handler) http.Handler {
	exact := make(map[string]struct{}, len(skipPaths))
	var prefixes []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "/") {
			prefixes = append(prefixes, p)
			continue
		}
		exact[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exact[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			for _, p := range prefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				writeUnauthorized(w, ErrMissingBearer.Error())
				return
			}
			actor, err := verifier.ParseActor(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
