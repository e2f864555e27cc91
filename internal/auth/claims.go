package auth

import "github.com/golang-jwt/jwt/v5"

// Claims represents the JWT payload the agent presents to the gateway.
type Claims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}
