package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	AdminTokenHeader = "X-Admin-Token"
	ReviewerIDHeader = "X-Reviewer-ID"

	reviewerIDKey = "reviewer_id"
	defaultAdmin  = "admin"
)

// ReviewerAuth protects reviewer endpoints. A request passes with either the
// shared admin token or a bearer JWT signed with jwtSecret that carries a
// reviewer_id (or user_id) claim. The reviewer id is stored on the context.
func ReviewerAuth(adminToken, jwtSecret string) gin.HandlerFunc {
	adminToken = strings.TrimSpace(adminToken)
	secret := []byte(strings.TrimSpace(jwtSecret))
	return func(c *gin.Context) {
		if adminToken == "" && len(secret) == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reviewer authentication not configured"})
			c.Abort()
			return
		}

		if got := strings.TrimSpace(c.GetHeader(AdminTokenHeader)); got != "" && adminToken != "" {
			if subtle.ConstantTimeCompare([]byte(got), []byte(adminToken)) == 1 {
				id := strings.TrimSpace(c.GetHeader(ReviewerIDHeader))
				if id == "" {
					id = defaultAdmin
				}
				c.Set(reviewerIDKey, id)
				c.Next()
				return
			}
		}

		if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && len(secret) > 0 {
			if id, err := ValidateReviewerToken(strings.TrimSpace(bearer), secret); err == nil {
				c.Set(reviewerIDKey, id)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		c.Abort()
	}
}

// ValidateReviewerToken checks an HMAC signed token and returns its reviewer id
func ValidateReviewerToken(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	if tokenType, _ := claims["type"].(string); tokenType == "refresh" {
		return "", errors.New("cannot use refresh token for authentication")
	}
	for _, key := range []string{"reviewer_id", "user_id", "sub"} {
		if id, _ := claims[key].(string); id != "" {
			return id, nil
		}
	}
	return "", errors.New("invalid reviewer id in token")
}

// ReviewerID returns the id ReviewerAuth stored on the context
func ReviewerID(c *gin.Context) string {
	return c.GetString(reviewerIDKey)
}
