package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"piano-wallet-api/internal/config"
)

type AuthMiddleware struct {
	jwtSecret   string
	internalKey string
	adminKey    string
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret:   cfg.JWTSecret,
		internalKey: cfg.InternalAPIKey,
		adminKey:    cfg.AdminAPIKey,
	}
}

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth validates the bearer token and puts the caller's identity on the
// request context.
func (a *AuthMiddleware) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "Authorization header must be 'Bearer <token>'")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(a.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}
		if claims.UserID == "" {
			abortUnauthorized(c, "Token has no user identity")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// InternalAPIAuth validates service-to-service calls by shared API key.
func (a *AuthMiddleware) InternalAPIAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" || apiKey != a.internalKey {
			abortUnauthorized(c, "Invalid or missing API key")
			return
		}

		c.Set("is_internal", true)
		c.Set("service_name", c.GetHeader("X-Service-Name"))
		c.Next()
	}
}

// AdminAuth validates the admin API key and requires an operator identity for
// the audit trail.
func (a *AuthMiddleware) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-Admin-Key")
		if apiKey == "" || apiKey != a.adminKey {
			abortUnauthorized(c, "Invalid or missing admin key")
			return
		}

		adminID := c.GetHeader("X-Admin-ID")
		if adminID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Admin identity required",
				"message": "Missing X-Admin-ID header",
			})
			c.Abort()
			return
		}

		c.Set("is_admin", true)
		c.Set("admin_id", adminID)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": message,
	})
	c.Abort()
}
