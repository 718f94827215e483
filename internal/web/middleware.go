package web

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/options"
	"github.com/isometry/dirmand/internal/request"
)

const headerRequestID = "X-Request-Id"

// requestIDMiddleware assigns every request a uuid, echoed in the response
// header and attached to the request info once authentication runs.
func requestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals("requestID", id)
		c.Set(headerRequestID, id)
		return c.Next()
	}
}

// accessLogMiddleware logs one line per request.
func accessLogMiddleware(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		event := log.Info()
		if err != nil || c.Response().StatusCode() >= fiber.StatusInternalServerError {
			event = log.Error().Err(err)
		}
		user := ""
		if info := request.InfoOf(c.UserContext()); info != nil {
			user = info.User
		}
		event.
			Str("request_id", requestID(c)).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Dur("duration", time.Since(start)).
			Str("user", user).
			Msg("request")
		return err
	}
}

// authMiddleware resolves the caller identity from a bearer token or a
// trusted proxy header and attaches request.Info to the context. No
// identity is 401.
func authMiddleware(opts *options.Options) fiber.Handler {
	tokens := opts.TokenUsers()
	return func(c *fiber.Ctx) error {
		user := ""

		if auth := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
			token := strings.TrimPrefix(auth, "Bearer ")
			if u, ok := tokens[token]; ok {
				user = u
			}
		}
		if user == "" && opts.AuthUserHeader != "" {
			user = c.Get(opts.AuthUserHeader)
		}
		if user == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authentication required"})
		}

		info := &request.Info{User: user, ID: requestID(c)}
		c.SetUserContext(request.WithInfo(c.UserContext(), info))
		return c.Next()
	}
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestID").(string); ok {
		return id
	}
	return ""
}
