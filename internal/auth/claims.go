package auth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the client can learn from a token without the server's key.
type Claims struct {
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

// userIDClaims lists the claim names the backend has used for the account id, in priority order.
var userIDClaims = []string{"userId", "id", "uid", "sub"}

// ParseClaims decodes a JWT without verifying its signature. The signature is the
// server's concern; the client only reads the user id and expiry.
func ParseClaims(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}
	var c Claims
	for _, key := range userIDClaims {
		if id := claimInt(mc[key]); id != 0 {
			c.UserID = id
			break
		}
	}
	if s, ok := mc["username"].(string); ok {
		c.Username = s
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

func claimInt(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}
