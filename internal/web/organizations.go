package web

import (
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/isometry/dirmand/internal/direrr"
)

// mountOrganizations registers the organization tree routes. Organizations
// are addressed by URL-encoded DN; their move changes the DN, unlike flat
// entities.
func (s *Server) mountOrganizations(router fiber.Router) {
	router.Get("/top", s.handleOrgTop)
	router.Post("/", s.handleOrgCreate)
	router.Get("/:dn", s.handleOrgGet)
	router.Get("/:dn/subnodes", s.handleOrgSubnodes)
	router.Put("/:dn", s.handleOrgRename)
	router.Post("/:dn/move", s.handleOrgMove)
	router.Delete("/:dn", s.handleOrgDelete)
}

func paramDN(c *fiber.Ctx) string {
	dn := c.Params("dn")
	if decoded, err := url.PathUnescape(dn); err == nil {
		return decoded
	}
	return dn
}

func (s *Server) handleOrgTop(c *fiber.Ctx) error {
	entries, err := s.deps.Orgs.Top(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, fiber.Map{"organizations": entriesJSON(entries)})
}

func (s *Server) handleOrgGet(c *fiber.Ctx) error {
	e, err := s.deps.Orgs.Get(c.UserContext(), paramDN(c))
	if err != nil {
		return writeError(c, err)
	}
	payload := entryJSON(e)
	payload["path"] = s.deps.Orgs.PathOf(e.DN)
	return respond(c, fiber.StatusOK, payload)
}

func (s *Server) handleOrgSubnodes(c *fiber.Ctx) error {
	entries, err := s.deps.Orgs.Subnodes(c.UserContext(), paramDN(c), c.Query("objectClass"))
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, fiber.Map{"subnodes": entriesJSON(entries)})
}

type orgCreateRequest struct {
	ParentDN   string              `json:"parentDn"`
	Name       string              `json:"name"`
	Attributes map[string][]string `json:"attributes"`
}

func (s *Server) handleOrgCreate(c *fiber.Ctx) error {
	var req orgCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, direrr.Wrap(direrr.KindUnknownAttr, "web.org.create", "", err))
	}
	dn, err := s.deps.Orgs.Create(c.UserContext(), req.ParentDN, req.Name, req.Attributes)
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusCreated, fiber.Map{"success": true, "dn": dn})
}

type orgRenameRequest struct {
	NewName string `json:"newName"`
}

func (s *Server) handleOrgRename(c *fiber.Ctx) error {
	var req orgRenameRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, direrr.Wrap(direrr.KindUnknownAttr, "web.org.rename", "", err))
	}
	if req.NewName == "" {
		return writeError(c, direrr.New(direrr.KindRequiredMissing, "web.org.rename", "", "newName is required"))
	}
	newDN, err := s.deps.Orgs.Rename(c.UserContext(), paramDN(c), req.NewName)
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, fiber.Map{"success": true, "newDn": newDN})
}

func (s *Server) handleOrgMove(c *fiber.Ctx) error {
	var req moveRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, direrr.Wrap(direrr.KindUnknownAttr, "web.org.move", "", err))
	}
	if req.TargetOrgDN == "" {
		return writeError(c, direrr.New(direrr.KindRequiredMissing, "web.org.move", "", "targetOrgDn is required"))
	}
	newDN, err := s.deps.Orgs.Move(c.UserContext(), paramDN(c), req.TargetOrgDN)
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, fiber.Map{"success": true, "newDn": newDN})
}

func (s *Server) handleOrgDelete(c *fiber.Ctx) error {
	if err := s.deps.Orgs.Delete(c.UserContext(), paramDN(c)); err != nil {
		return writeError(c, err)
	}
	return respond(c, fiber.StatusOK, fiber.Map{"success": true})
}
