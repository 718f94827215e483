package web

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/entity"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/schema"
)

// multiValueSeparator splits multi-valued cells in CSV uploads.
const multiValueSeparator = ";"

// mountBulkImport registers the CSV template and upload routes.
func (s *Server) mountBulkImport(router fiber.Router) {
	router.Get("/:plural/template.csv", s.withEntity(s.handleBulkTemplate))
	router.Post("/:plural", s.withEntity(s.handleBulkImport))
}

// templateColumns derives the CSV header: the naming attribute first, then
// the remaining required attributes, then the optional ones. Fixed
// attributes are filled from the schema and never uploaded.
func templateColumns(sc *schema.Schema) []string {
	var required, optional []string
	for name, spec := range sc.Attributes {
		if strings.EqualFold(name, sc.Entity.MainAttribute) || spec.Fixed {
			continue
		}
		if spec.Required {
			required = append(required, name)
		} else {
			optional = append(optional, name)
		}
	}
	sort.Strings(required)
	sort.Strings(optional)

	columns := []string{sc.Entity.MainAttribute}
	columns = append(columns, required...)
	return append(columns, optional...)
}

func (s *Server) handleBulkTemplate(c *fiber.Ctx, ent *entity.Entity) error {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(templateColumns(ent.Schema())); err != nil {
		return writeError(c, err)
	}
	w.Flush()

	c.Set(fiber.HeaderContentType, "text/csv")
	c.Set(fiber.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%s-template.csv", ent.Plural()))
	return c.SendString(b.String())
}

// bulkSummary is the import response.
type bulkSummary struct {
	Success bool        `json:"success"`
	JobID   string      `json:"jobId"`
	Total   int         `json:"total"`
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Skipped int         `json:"skipped"`
	Failed  int         `json:"failed"`
	Errors  []bulkError `json:"errors"`
}

type bulkError struct {
	Row   int    `json:"row"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

func (s *Server) handleBulkImport(c *fiber.Ctx, ent *entity.Entity) error {
	file, err := c.FormFile("file")
	if err != nil {
		return writeError(c, direrr.New(direrr.KindRequiredMissing, "web.bulk", "",
			"multipart field 'file' is required"))
	}
	dryRun := formBool(c, "dryRun")
	continueOnError := formBool(c, "continueOnError")
	updateExisting := formBool(c, "updateExisting")

	f, err := file.Open()
	if err != nil {
		return writeError(c, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return writeError(c, direrr.Wrap(direrr.KindUnknownAttr, "web.bulk", "", err))
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	mainAttr := ent.Schema().Entity.MainAttribute
	idCol := -1
	for i, name := range header {
		if strings.EqualFold(name, mainAttr) {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		return writeError(c, direrr.Newf(direrr.KindRequiredMissing, "web.bulk", "",
			"CSV header lacks the %s column", mainAttr))
	}

	summary := bulkSummary{JobID: uuid.NewString(), Errors: []bulkError{}}
	ctx := c.UserContext()

	stopped := false
	for row := 2; !stopped; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, bulkError{Row: row, Error: err.Error()})
			stopped = !continueOnError
			continue
		}
		summary.Total++

		id, attrs := rowAttrs(header, record, idCol)
		if id == "" {
			summary.Failed++
			summary.Errors = append(summary.Errors, bulkError{Row: row, Error: mainAttr + " is empty"})
			stopped = !continueOnError
			continue
		}

		outcome, err := s.importRow(ctx, ent, id, attrs, dryRun, updateExisting)
		switch outcome {
		case rowCreated:
			summary.Created++
		case rowUpdated:
			summary.Updated++
		case rowSkipped:
			summary.Skipped++
		case rowFailed:
			summary.Failed++
			summary.Errors = append(summary.Errors, bulkError{Row: row, ID: id, Error: direrr.UserMessage(err)})
			stopped = !continueOnError
		}
	}

	summary.Success = summary.Failed == 0
	status := fiber.StatusOK
	if !summary.Success && summary.Created == 0 && summary.Updated == 0 {
		status = fiber.StatusBadRequest
	}
	return respond(c, status, fiber.Map{
		"success": summary.Success,
		"jobId":   summary.JobID,
		"total":   summary.Total,
		"created": summary.Created,
		"updated": summary.Updated,
		"skipped": summary.Skipped,
		"failed":  summary.Failed,
		"errors":  summary.Errors,
	})
}

type rowOutcome int

const (
	rowCreated rowOutcome = iota
	rowUpdated
	rowSkipped
	rowFailed
)

// importRow applies one CSV row: create, update when allowed, or skip when
// the identifier already exists.
func (s *Server) importRow(ctx context.Context, ent *entity.Entity, id string, attrs map[string][]string, dryRun, updateExisting bool) (rowOutcome, error) {
	_, err := ent.Get(ctx, id)
	exists := err == nil
	if err != nil && !direrr.IsKind(err, direrr.KindNotFound) {
		return rowFailed, err
	}

	switch {
	case !exists:
		if dryRun {
			if err := ent.ValidateCreate(ctx, id, attrs); err != nil {
				return rowFailed, err
			}
			return rowCreated, nil
		}
		if _, err := ent.Add(ctx, id, attrs); err != nil {
			return rowFailed, err
		}
		return rowCreated, nil

	case updateExisting:
		changes := &ldap.Changes{Replace: attrs}
		if dryRun {
			if err := ent.ValidateChanges(ctx, changes); err != nil {
				return rowFailed, err
			}
			return rowUpdated, nil
		}
		if _, _, err := ent.Modify(ctx, id, changes); err != nil {
			return rowFailed, err
		}
		return rowUpdated, nil

	default:
		return rowSkipped, nil
	}
}

// rowAttrs converts one record into an attribute map, splitting
// multi-valued cells.
func rowAttrs(header, record []string, idCol int) (string, map[string][]string) {
	id := ""
	attrs := make(map[string][]string, len(header))
	for i, name := range header {
		if i >= len(record) || name == "" {
			continue
		}
		value := strings.TrimSpace(record[i])
		if value == "" {
			continue
		}
		if i == idCol {
			id = value
			continue
		}
		parts := strings.Split(value, multiValueSeparator)
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				values = append(values, p)
			}
		}
		if len(values) > 0 {
			attrs[name] = values
		}
	}
	return id, attrs
}

func formBool(c *fiber.Ctx, key string) bool {
	v := c.FormValue(key, c.Query(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
