// Package authz authenticates callers and checks their role.
//
// Callers present either an HS256 JWT carrying a "role" claim or a static
// API key. Roles are ordered: agent < operator < admin.
package authz

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yairfalse/vigil/types"
)

// Role is a caller's privilege level
type Role int

const (
	RoleNone Role = iota
	RoleAgent
	RoleOperator
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleOperator:
		return "operator"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParseRole parses a role name
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent":
		return RoleAgent, nil
	case "operator":
		return RoleOperator, nil
	case "admin":
		return RoleAdmin, nil
	}
	return RoleNone, fmt.Errorf("%w: unknown role %q", types.ErrConfiguration, s)
}

// Principal is an authenticated caller. The zero value is anonymous.
type Principal struct {
	Subject string
	Role    Role
}

// Anonymous is the principal of an unauthenticated caller
var Anonymous = Principal{}

// Authenticated reports whether the principal carries any role
func (p Principal) Authenticated() bool {
	return p.Subject != "" && p.Role > RoleNone
}

// Require fails with types.ErrUnauthorized for anonymous callers and
// types.ErrForbidden when the role is below required.
func Require(p Principal, required Role) error {
	if !p.Authenticated() {
		return types.ErrUnauthorized
	}
	if p.Role < required {
		return fmt.Errorf("%w: %s role required", types.ErrForbidden, required)
	}
	return nil
}

// Claims are the JWT claims vigil issues and accepts
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// APIKey maps a static key to a principal
type APIKey struct {
	Name string `toml:"name"`
	Key  string `toml:"key"`
	Role string `toml:"role"`
}

// Config configures an Authenticator
type Config struct {
	Secret  string
	Issuer  string
	APIKeys []APIKey
}

type keyEntry struct {
	digest    [sha256.Size]byte
	principal Principal
}

// Authenticator resolves credentials to principals
type Authenticator struct {
	secret []byte
	issuer string
	keys   []keyEntry
	now    func() time.Time
}

// NewAuthenticator validates config and builds an authenticator. With no
// secret, JWTs are refused and only API keys work.
func NewAuthenticator(config Config) (*Authenticator, error) {
	a := &Authenticator{
		secret: []byte(config.Secret),
		issuer: config.Issuer,
		now:    time.Now,
	}
	for _, k := range config.APIKeys {
		if k.Name == "" || k.Key == "" {
			return nil, fmt.Errorf("%w: api key needs a name and a key", types.ErrConfiguration)
		}
		role, err := ParseRole(k.Role)
		if err != nil {
			return nil, fmt.Errorf("api key %s: %w", k.Name, err)
		}
		a.keys = append(a.keys, keyEntry{
			digest:    sha256.Sum256([]byte(k.Key)),
			principal: Principal{Subject: k.Name, Role: role},
		})
	}
	return a, nil
}

// Issue signs a token for subject with the given role
func (a *Authenticator) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", types.ErrConfiguration)
	}
	if subject == "" || role == RoleNone {
		return "", &types.ValidationError{Field: "subject", Reason: "subject and role are required"}
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role.String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate resolves a credential, with or without a "Bearer " prefix.
// An empty credential yields Anonymous and no error.
func (a *Authenticator) Authenticate(credential string) (Principal, error) {
	credential = strings.TrimSpace(credential)
	if scheme, rest, ok := strings.Cut(credential, " "); ok && strings.EqualFold(scheme, "Bearer") {
		credential = strings.TrimSpace(rest)
	}
	if credential == "" {
		return Anonymous, nil
	}
	if strings.Count(credential, ".") == 2 {
		return a.parseToken(credential)
	}
	return a.lookupKey(credential)
}

// FromRequest authenticates the Authorization header of r
func (a *Authenticator) FromRequest(r *http.Request) (Principal, error) {
	return a.Authenticate(r.Header.Get("Authorization"))
}

func (a *Authenticator) parseToken(token string) (Principal, error) {
	if len(a.secret) == 0 {
		return Anonymous, fmt.Errorf("%w: token authentication not configured", types.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Anonymous, fmt.Errorf("%w: invalid or expired token", types.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return Anonymous, fmt.Errorf("%w: token subject is required", types.ErrUnauthorized)
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Anonymous, fmt.Errorf("%w: token role %q", types.ErrUnauthorized, claims.Role)
	}
	return Principal{Subject: claims.Subject, Role: role}, nil
}

func (a *Authenticator) lookupKey(key string) (Principal, error) {
	digest := sha256.Sum256([]byte(key))
	found := Anonymous
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			found = k.principal
		}
	}
	if !found.Authenticated() {
		return Anonymous, fmt.Errorf("%w: unknown api key", types.ErrUnauthorized)
	}
	return found, nil
}
