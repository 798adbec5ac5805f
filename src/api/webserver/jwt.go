package webserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/govvote/src/api/auth"
	"github.com/stake-plus/govvote/src/voting"
)

const memberKey = "member"

func JWTMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "missing bearer token"})
			return
		}
		m, err := auth.ParseToken(secret, h[len("Bearer "):])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": auth.ErrBadToken.Error()})
			return
		}
		c.Set(memberKey, m)
		c.Next()
	}
}

func memberFrom(c *gin.Context) (voting.Member, bool) {
	v, ok := c.Get(memberKey)
	if !ok {
		return voting.Member{}, false
	}
	m, ok := v.(voting.Member)
	return m, ok
}
