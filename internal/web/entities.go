package web

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/entity"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/schema"
)

// mountEntities registers the generic flat-entity CRUD routes. Registered
// after the organizations and bulk-import groups so those prefixes win.
func (s *Server) mountEntities(router fiber.Router) {
	router.Get("/:plural", s.withEntity(s.handleList))
	router.Post("/:plural", s.withEntity(s.handleCreate))
	router.Get("/:plural/:id", s.withEntity(s.handleGet))
	router.Put("/:plural/:id", s.withEntity(s.handleModify))
	router.Delete("/:plural/:id", s.withEntity(s.handleDelete))
	router.Post("/:plural/:id/move", s.withEntity(s.handleMove))
}

type entityHandler func(c *fiber.Ctx, ent *entity.Entity) error

// withEntity resolves the plural URL segment to an entity instance.
func (s *Server) withEntity(h entityHandler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		plural := c.Params("plural")
		ent, ok := s.deps.Entities(plural)
		if !ok {
			return writeError(c, direrr.Newf(direrr.KindNotFound, "web.entity", "",
				"unknown resource %q", plural))
		}
		return h(c, ent)
	}
}

// paramID decodes the :id segment, which may be a URL-encoded DN.
func paramID(c *fiber.Ctx) string {
	id := c.Params("id")
	if decoded, err := url.PathUnescape(id); err == nil {
		return decoded
	}
	return id
}

func (s *Server) handleList(c *fiber.Ctx, ent *entity.Entity) error {
	match := c.Query("match")
	var filters map[string]string
	if attr := c.Query("attribute"); attr != "" && match != "" {
		filters = map[string]string{attr: match}
		match = ""
	}
	var attrs []string
	if projection := c.Query("attributes"); projection != "" {
		for _, a := range strings.Split(projection, ",") {
			if a = strings.TrimSpace(a); a != "" {
				attrs = append(attrs, a)
			}
		}
	}

	entries, err := ent.List(c.UserContext(), match, filters, attrs)
	if err != nil {
		return writeError(c, err)
	}

	items := make(map[string]fiber.Map, len(entries))
	for id, e := range entries {
		items[id] = entryJSON(e)
	}
	return respond(c, fiber.StatusOK, fiber.Map{ent.Plural(): items, "count": len(items)})
}

func (s *Server) handleGet(c *fiber.Ctx, ent *entity.Entity) error {
	e, err := ent.Get(c.UserContext(), paramID(c))
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, entryJSON(e))
}

// createRequest is the wrapped POST body shape: the identifier plus
// attributes. The plain shape is a bare attribute map; parseCreateBody
// accepts both.
type createRequest struct {
	ID         string                   `json:"id"`
	Attributes map[string]schema.Values `json:"attributes"`
}

// parseCreateBody reads a create body as either {"id": ..., "attributes":
// {...}} or a bare attribute map whose values are scalars or arrays. The
// identifier falls back to the schema's naming attribute.
func parseCreateBody(body []byte, mainAttr string) (string, map[string][]string, error) {
	var req createRequest
	if err := json.Unmarshal(body, &req); err == nil && (req.ID != "" || req.Attributes != nil) {
		return req.ID, valueLists(req.Attributes), nil
	}

	var raw map[string]schema.Values
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", nil, direrr.Wrap(direrr.KindUnknownAttr, "web.create", "", err)
	}
	return "", valueLists(raw), nil
}

func valueLists(in map[string]schema.Values) map[string][]string {
	out := make(map[string][]string, len(in))
	for attr, values := range in {
		out[attr] = []string(values)
	}
	return out
}

func (s *Server) handleCreate(c *fiber.Ctx, ent *entity.Entity) error {
	mainAttr := ent.Schema().Entity.MainAttribute
	id, attrs, err := parseCreateBody(c.Body(), mainAttr)
	if err != nil {
		return writeError(c, err)
	}
	if id == "" {
		for attr, values := range attrs {
			if strings.EqualFold(attr, mainAttr) && len(values) > 0 {
				id = values[0]
				break
			}
		}
	}
	if id == "" {
		return writeError(c, direrr.Newf(direrr.KindRequiredMissing, "web.create", "",
			"%s is required", mainAttr))
	}

	dn, err := ent.Add(c.UserContext(), id, attrs)
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusCreated, fiber.Map{"success": true, "dn": dn})
}

// modifyRequest is the PUT body, mirroring the LDAP change buckets.
type modifyRequest struct {
	Add     map[string][]string `json:"add"`
	Replace map[string][]string `json:"replace"`
	Delete  map[string][]string `json:"delete"`
}

func (s *Server) handleModify(c *fiber.Ctx, ent *entity.Entity) error {
	var req modifyRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, direrr.Wrap(direrr.KindUnknownAttr, "web.modify", "", err))
	}
	changes := &ldap.Changes{Add: req.Add, Replace: req.Replace, Delete: req.Delete}

	dn, modified, err := ent.Modify(c.UserContext(), paramID(c), changes)
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, fiber.Map{"success": true, "dn": dn, "modified": modified})
}

func (s *Server) handleDelete(c *fiber.Ctx, ent *entity.Entity) error {
	if err := ent.Delete(c.UserContext(), paramID(c)); err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, fiber.Map{"success": true})
}

// moveRequest is the POST …/move body.
type moveRequest struct {
	TargetOrgDN string `json:"targetOrgDn"`
}

func (s *Server) handleMove(c *fiber.Ctx, ent *entity.Entity) error {
	var req moveRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, direrr.Wrap(direrr.KindUnknownAttr, "web.move", "", err))
	}
	if req.TargetOrgDN == "" {
		return writeError(c, direrr.New(direrr.KindRequiredMissing, "web.move", "", "targetOrgDn is required"))
	}

	res, err := ent.Move(c.UserContext(), paramID(c), req.TargetOrgDN)
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, fiber.Map{
		"success":        true,
		"departmentPath": res.DepartmentPath,
		"departmentLink": res.DepartmentLink,
	})
}
