package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"exprcore/internal/core"
)

// Claims is the bearer token payload.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens. A disabled authenticator
// treats every request as coming from a local administrator.
type Authenticator struct {
	secret   []byte
	issuer   string
	disabled bool
}

// NewAuthenticator validates tokens signed with secret. issuer is checked
// when non-empty.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}, nil
}

// DisabledAuthenticator skips token checks. Intended for local development.
func DisabledAuthenticator() *Authenticator { return &Authenticator{disabled: true} }

// Issue signs a token for subject with roles, valid for ttl.
func (a *Authenticator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if a.disabled {
		return "", errors.New("auth: disabled")
	}
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(raw string) (core.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return core.Principal{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return core.Principal{}, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return core.Principal{}, errors.New("token has no subject")
	}
	return core.Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// requiredLevel derives the privilege a request needs from its method and
// path: reads are public, /admin routes need admin, other writes curator.
func requiredLevel(r *http.Request) core.AccessLevel {
	if strings.HasPrefix(r.URL.Path, apiPrefix+"/admin/") {
		return core.AccessAdmin
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return core.AccessRead
	default:
		return core.AccessCurate
	}
}

// Middleware authenticates the request and stores the principal on its context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil || a.disabled {
			p := core.Principal{Subject: "local", Roles: []string{core.RoleAdmin}}
			next.ServeHTTP(w, r.WithContext(core.ContextWithPrincipal(r.Context(), p)))
			return
		}
		level := requiredLevel(r)
		header := r.Header.Get("Authorization")
		if header == "" {
			if level == core.AccessRead {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="exprcore"`)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "malformed authorization header")
			return
		}
		p, err := a.parse(strings.TrimSpace(raw))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="exprcore", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		if !p.Allows(level) {
			writeError(w, http.StatusForbidden, fmt.Sprintf("%s access required", level))
			return
		}
		next.ServeHTTP(w, r.WithContext(core.ContextWithPrincipal(r.Context(), p)))
	})
}
