package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AtDexters-Lab/nexus-node-agent/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

const defaultTTL = 5 * time.Minute

// TokenSource produces the credential sent with every gateway dial.
type TokenSource interface {
	Token(nodeID string) (string, error)
}

// NewTokenSource returns a TokenSource for the configured auth mode, or nil
// when the gateway is reached without credentials.
func NewTokenSource(cfg *config.Config) TokenSource {
	switch {
	case cfg.Auth.Token != "":
		return staticToken(cfg.Auth.Token)
	case cfg.Auth.JWTSecret != "":
		ttl := cfg.JWTTTL()
		if ttl <= 0 {
			ttl = defaultTTL
		}
		return &jwtSource{
			secret:   []byte(cfg.Auth.JWTSecret),
			issuer:   cfg.Auth.JWTIssuer,
			audience: cfg.Auth.JWTAudience,
			ttl:      ttl,
			now:      time.Now,
		}
	default:
		return nil
	}
}

// Header builds the dial request headers. A nil source yields nil headers.
func Header(src TokenSource, nodeID string) (http.Header, error) {
	if src == nil {
		return nil, nil
	}
	token, err := src.Token(nodeID)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

type staticToken string

func (s staticToken) Token(string) (string, error) {
	return string(s), nil
}

type jwtSource struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func (s *jwtSource) Token(nodeID string) (string, error) {
	if nodeID == "" {
		return "", errors.New("node id is required to mint a gateway token")
	}
	now := s.now()
	claims := &Claims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign gateway token: %w", err)
	}
	return signed, nil
}
