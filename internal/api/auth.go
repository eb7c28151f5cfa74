package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	jwtware "github.com/gofiber/jwt/v3"
	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenContextKey    = "user"
	customerContextKey = "customer_id"
)

// IssueToken signs a customer token. Login itself lives in the identity
// provider; this is for operators and local development.
func IssueToken(secret, customerID, adminClaim string, admin bool, ttl time.Duration) (string, error) {
	if customerID == "" {
		return "", errors.New("customer id is required")
	}

	claims := jwt.MapClaims{
		"sub": customerID,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	if admin {
		claims[adminClaim] = true
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *Server) jwtMiddleware() fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey: []byte(s.cfg.JWT.Secret),
		ContextKey: tokenContextKey,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return fail(c, fiber.StatusUnauthorized, "Invalid or expired token")
		},
	})
}

// identify resolves the customer the verified token was issued to.
func (s *Server) identify(c *fiber.Ctx) error {
	claims, ok := tokenClaims(c)
	if !ok {
		return fail(c, fiber.StatusUnauthorized, "Invalid or expired token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return fail(c, fiber.StatusUnauthorized, "Token has no subject")
	}
	c.Locals(customerContextKey, sub)
	return c.Next()
}

func (s *Server) requireAdmin(c *fiber.Ctx) error {
	claims, ok := tokenClaims(c)
	if !ok {
		return fail(c, fiber.StatusUnauthorized, "Invalid or expired token")
	}
	if admin, _ := claims[s.cfg.JWT.AdminClaim].(bool); !admin {
		s.logger.Warn("Admin route refused", "customer_id", claims["sub"], "path", c.Path())
		return fail(c, fiber.StatusForbidden, "Admin access required")
	}
	return c.Next()
}

func tokenClaims(c *fiber.Ctx) (jwtv4.MapClaims, bool) {
	token, ok := c.Locals(tokenContextKey).(*jwtv4.Token)
	if !ok || token == nil {
		return nil, false
	}
	claims, ok := token.Claims.(jwtv4.MapClaims)
	return claims, ok
}

func customerID(c *fiber.Ctx) string {
	id, _ := c.Locals(customerContextKey).(string)
	return id
}
