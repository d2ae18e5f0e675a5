package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

type claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Org      string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer signs and verifies HS256 access tokens.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  util.Clock
}

func NewJWTIssuer(secret string, ttl time.Duration, clock util.Clock) *JWTIssuer {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &JWTIssuer{secret: []byte(secret), ttl: ttl, clock: clock}
}

// Issue returns a signed token for id and its expiry.
func (j *JWTIssuer) Issue(id Identity) (string, time.Time, error) {
	now := j.clock.Now()
	exp := now.Add(j.ttl)
	c := claims{
		Username: id.Username,
		Role:     string(id.Role),
		Org:      id.Org,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ResolveToken verifies signature and expiry. Tokens carrying the SYSTEM
// role or an unknown role are rejected.
func (j *JWTIssuer) ResolveToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrAuth
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(j.clock.Now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	role, ok := instruction.ParseRole(c.Role)
	if !ok || role == instruction.RoleSystem {
		return Identity{}, fmt.Errorf("%w: role %q", ErrAuth, c.Role)
	}
	uid, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject %q", ErrAuth, c.Subject)
	}
	return Identity{UserID: uid, Username: c.Username, Role: role, Org: c.Org}, nil
}

var _ Authenticator = (*JWTIssuer)(nil)
