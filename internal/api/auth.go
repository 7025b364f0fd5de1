package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"crypto-screener/internal/trader"
)

// contextKeyTier is where the middleware stores the caller's tier.
const contextKeyTier = "caller_tier"

// tierClaims carries the subscription tier the screener trusts from a
// caller's token. Tokens are issued elsewhere; this server only reads
// them.
type tierClaims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// tierMiddleware resolves the caller's access tier. With no secret
// configured every caller is elite. With a secret, requests without a
// token run as anonymous and a presented token must verify.
func tierMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Set(contextKeyTier, trader.TierElite)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set(contextKeyTier, trader.TierAnonymous)
			c.Next()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   true,
				"message": "invalid authorization header format",
			})
			return
		}

		claims := &tierClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("api: unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   true,
				"message": "invalid token",
			})
			return
		}

		c.Set(contextKeyTier, trader.Tier(strings.ToUpper(claims.Tier)))
		c.Next()
	}
}

// callerTier returns the tier the middleware resolved for this request.
func callerTier(c *gin.Context) trader.Tier {
	if v, ok := c.Get(contextKeyTier); ok {
		if t, ok := v.(trader.Tier); ok {
			return t
		}
	}
	return trader.TierAnonymous
}

// callerPolicy wraps the caller's tier as an execution policy.
func callerPolicy(c *gin.Context) trader.TierPolicy {
	return trader.StaticTierPolicy{UserTier: callerTier(c)}
}
