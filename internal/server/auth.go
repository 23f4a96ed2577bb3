package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veilmarket/veilmarket/internal/validation"
)

// NpubHeader carries the caller's identity. There is no account system
// beyond this: whoever presents an npub speaks for that npub's wallet.
// Signature verification against the header is the relay's job upstream.
const NpubHeader = "X-Npub"

// authMiddleware resolves the caller's npub from the identity header and
// flags the configured admin identity.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		npub := c.GetHeader(NpubHeader)
		if npub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_identity",
				"message": "X-Npub header is required",
			})
			return
		}
		if !validation.IsValidNpub(npub) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_identity",
				"message": "X-Npub must be a valid npub",
			})
			return
		}

		c.Set("authNpub", npub)
		c.Set("isAdmin", s.cfg.AdminNpub != "" && npub == s.cfg.AdminNpub)

		c.Next()
	}
}

// requireAdmin aborts unless the authenticated npub is the configured admin.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("isAdmin") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin identity required",
			})
			return
		}
		c.Next()
	}
}
