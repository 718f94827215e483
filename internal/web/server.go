// Package web is the HTTP surface: a fiber application exposing the
// entity, organization, and bulk-import operations as JSON endpoints.
package web

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/entity"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/options"
	"github.com/isometry/dirmand/internal/orgs"
	"github.com/isometry/dirmand/internal/plugin"
	"github.com/isometry/dirmand/internal/schema"
)

// Stats is what the health endpoint reports about the directory client.
type Stats struct {
	Pool  ldap.PoolStats  `json:"pool"`
	Cache ldap.CacheStats `json:"cache"`
}

// Deps bundles what the server serves.
type Deps struct {
	Options *options.Options
	Dir     ldap.Directory
	// Entities resolves a plural URL segment to its entity instance.
	Entities func(plural string) (*entity.Entity, bool)
	Orgs     *orgs.Service
	Schemas  *schema.Store
	Plugins  *plugin.Host
	// Stats reports client statistics for the health endpoint.
	Stats func() Stats
	Log   zerolog.Logger
}

// Server is the HTTP application.
type Server struct {
	app  *fiber.App
	deps Deps
	log  zerolog.Logger
}

// New assembles the fiber app: middleware stack, core routes, and plugin
// routes.
func New(deps Deps) *Server {
	log := deps.Log.With().Str("component", "web").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "dirmand",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return writeError(c, err)
		},
	})

	s := &Server{app: app, deps: deps, log: log}

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(accessLogMiddleware(log))
	app.Use(cors.New(cors.Config{AllowOrigins: deps.Options.CORSOrigins}))

	api := app.Group(deps.Options.APIPrefix)
	api.Get("/healthz", s.handleHealthz)
	api.Use(authMiddleware(deps.Options))
	api.Get("/config", s.handleConfig)

	ldapGroup := api.Group("/ldap")
	s.mountOrganizations(ldapGroup.Group("/organizations"))
	s.mountBulkImport(ldapGroup.Group("/bulk-import"))
	s.mountEntities(ldapGroup)

	if deps.Plugins != nil {
		deps.Plugins.Mount(api)
	}
	return s
}

// App exposes the fiber app, used by tests via app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until the listener fails or Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Str("prefix", s.deps.Options.APIPrefix).Msg("http server listening")
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleConfig(c *fiber.Ctx) error {
	var flat []string
	hasGroups := false
	for _, sc := range s.deps.Schemas.All() {
		flat = append(flat, sc.Entity.PluralName)
		if sc.Entity.PluralName == "groups" {
			hasGroups = true
		}
	}
	return respond(c, fiber.StatusOK, fiber.Map{
		"apiPrefix": s.deps.Options.APIPrefix,
		"ldapBase":  s.deps.Options.LDAP.Base,
		"features": fiber.Map{
			"flatResources": flat,
			"groups":        hasGroups,
			"organizations": true,
		},
	})
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	payload := fiber.Map{
		"status":  "ok",
		"schemas": s.deps.Schemas.Len(),
	}
	if s.deps.Plugins != nil {
		payload["plugins"] = s.deps.Plugins.Count()
	}
	if s.deps.Stats != nil {
		stats := s.deps.Stats()
		payload["pool"] = stats.Pool
		payload["cache"] = stats.Cache
	}
	return c.Status(fiber.StatusOK).JSON(payload)
}
