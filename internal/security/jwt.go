package security

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	// ErrMissingSigningSecret is returned at construction time when either
	// signing secret is absent; startup fails rather than individual requests.
	ErrMissingSigningSecret = errors.New("jwt: signing secret is not configured")

	ErrTokenExpired   = errors.New("jwt: token expired")
	ErrTokenSignature = errors.New("jwt: signature verification failed")
	ErrTokenMalformed = errors.New("jwt: token malformed")
	ErrTokenKind      = errors.New("jwt: unexpected token type")
)

// Claims is the closed claim shape for both token kinds. TokenType
// discriminates the two; for refresh tokens the registered ID claim carries
// the persisted token id.
type Claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim back into the numeric user id.
func (c *Claims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject", ErrTokenMalformed)
	}
	return uint(id), nil
}

// JWTManager signs and verifies both token kinds with HS256. The secrets are
// process-wide immutable state loaded once from configuration, so every
// replica verifies with the same keys.
type JWTManager struct {
	issuer        string
	audience      string
	accessSecret  []byte
	refreshSecret []byte
}

func NewJWTManager(issuer, audience, accessSecret, refreshSecret string) (*JWTManager, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, ErrMissingSigningSecret
	}
	return &JWTManager{
		issuer:        issuer,
		audience:      audience,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
	}, nil
}

// SignAccessToken mints a stateless access token for the user. Validity is
// determined purely by signature and expiry; no record of it is kept. When
// the token is minted alongside a refresh token, sessionTokenID carries that
// token's id as the jti so the session a request belongs to stays resolvable.
func (m *JWTManager) SignAccessToken(userID uint, sessionTokenID string, ttl time.Duration) (string, error) {
	if sessionTokenID == "" {
		sessionTokenID = uuid.NewString()
	}
	return m.sign(TokenTypeAccess, userID, sessionTokenID, ttl, m.accessSecret)
}

// SignRefreshToken mints the signed envelope for a tracked refresh token.
// tokenID becomes the jti claim and must match the persisted row.
func (m *JWTManager) SignRefreshToken(userID uint, tokenID string, ttl time.Duration) (string, error) {
	return m.sign(TokenTypeRefresh, userID, tokenID, ttl, m.refreshSecret)
}

func (m *JWTManager) sign(tokenType string, userID uint, jti string, ttl time.Duration, secret []byte) (string, error) {
	now := time.Now()
	claims := Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	return m.parse(raw, m.accessSecret, TokenTypeAccess)
}

func (m *JWTManager) ParseRefreshToken(raw string) (*Claims, error) {
	return m.parse(raw, m.refreshSecret, TokenTypeRefresh)
}

func (m *JWTManager) parse(raw string, secret []byte, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenSignature
		}
		return secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience))
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !tok.Valid {
		return nil, ErrTokenSignature
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: got %q", ErrTokenKind, claims.TokenType)
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenSignature
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
