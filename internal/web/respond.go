package web

import (
	"github.com/gofiber/fiber/v2"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/request"
)

// writeError renders the error envelope. Internal detail never leaves the
// process; direrr.UserMessage keeps it in the logs.
func writeError(c *fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return c.Status(direrr.HTTPStatus(err)).JSON(fiber.Map{"error": direrr.UserMessage(err)})
}

// respond renders a success payload, attaching accumulated post-hook
// warnings when present.
func respond(c *fiber.Ctx, status int, payload fiber.Map) error {
	if info := request.InfoOf(c.UserContext()); info != nil {
		if warnings := info.Warnings(); len(warnings) > 0 {
			payload["warnings"] = warnings
		}
	}
	return c.Status(status).JSON(payload)
}

// entryJSON renders one entry.
func entryJSON(e ldap.Entry) fiber.Map {
	return fiber.Map{
		"dn":         e.DN,
		"attributes": e.Attributes,
	}
}

// entriesJSON renders a list of entries.
func entriesJSON(entries []ldap.Entry) []fiber.Map {
	out := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON(e))
	}
	return out
}
