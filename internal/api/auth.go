package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/punchamoorthee/nftledger/internal/chain"
)

// RoleOps grants the operator endpoints.
const RoleOps = "ops"

// Claims carried by bearer tokens. The wallet falls back to the subject.
type Claims struct {
	Wallet string `json:"wallet,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	Wallet string
	Role   string
}

type principalKey struct{}

// PrincipalFrom returns the caller stored by Authenticator.Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator verifies HMAC-signed bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for wallet. Used by the benchmark and tests; sessions
// are normally issued upstream.
func (a *Authenticator) Issue(wallet, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Wallet: wallet,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(header string) (Principal, error) {
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		return Principal{}, errors.New("missing bearer token")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, err
	}

	wallet := claims.Wallet
	if wallet == "" {
		wallet = claims.Subject
	}
	wallet = chain.NormalizeAddress(wallet)
	if wallet == "" {
		return Principal{}, errors.New("token carries no wallet")
	}
	return Principal{Wallet: wallet, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid token and stores the caller in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.parse(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// RequireRole allows only callers holding role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok || p.Role != role {
				respondError(w, r, http.StatusForbidden, "forbidden", "role "+role+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
