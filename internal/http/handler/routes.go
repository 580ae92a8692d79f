package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"modelvault/internal/query"
	"modelvault/internal/repository"
	"modelvault/internal/service"
)

// TenantHeader carries the caller's organization id. Every catalog route
// requires it; authn/authz upstream is expected to have validated it.
const TenantHeader = "X-Org-ID"

// RegisterRoutes attaches HTTP routes to the provided Fiber app. Handlers
// stay thin: parse, delegate, translate errors.
func RegisterRoutes(app *fiber.App, db *sql.DB, svc service.CatalogService) {
	app.Get("/health", HealthCheck(db))
	app.Get("/healthz", Healthz())

	app.Get("/models", ListModels(svc))
	app.Post("/models", CreateModel(svc))
	app.Get("/models/:id", GetModel(svc))
	app.Patch("/models/:id", UpdateModel(svc))
	app.Delete("/models/:id", DeleteModel(svc))

	app.Get("/models/:id/versions", ListVersions(svc))
	app.Post("/models/:id/versions", AddVersion(svc))
	app.Delete("/models/:id/versions/:label", DeleteVersion(svc))

	app.Post("/models/:id/tags", TagModel(svc))
	app.Delete("/models/:id/tags/:name", UntagModel(svc))
}

// HealthCheck reports readiness based on database connectivity.
func HealthCheck(db *sql.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

// Healthz is a bare liveness probe.
func Healthz() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}

// ListModels serves filtered, sorted, paginated model listings.
func ListModels(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant := c.Get(TenantHeader)
		if tenant == "" {
			return writeError(c, fiber.StatusBadRequest, "TENANT_REQUIRED", "X-Org-ID header is required")
		}

		limit, err := strconv.Atoi(c.Query("limit", "20"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
		}
		offset, err := strconv.Atoi(c.Query("offset", "0"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_OFFSET", "invalid offset")
		}

		filter := query.ListFilter{
			TenantID:  tenant,
			Search:    c.Query("search"),
			Tags:      splitTags(c.Query("tags")),
			SortBy:    query.SortBy(c.Query("sort_by")),
			SortOrder: query.SortOrder(c.Query("sort_order")),
			Limit:     limit,
			Offset:    offset,
		}

		res, err := svc.ListModels(c.UserContext(), filter)
		if err != nil {
			return serviceError(c, err)
		}
		return c.JSON(res)
	}
}

// GetModel serves one fully assembled model.
func GetModel(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, modelID, ok := tenantAndModelID(c)
		if !ok {
			return nil
		}

		m, err := svc.GetModel(c.UserContext(), tenant, modelID)
		if err != nil {
			return serviceError(c, err)
		}
		return c.JSON(m)
	}
}

// ListVersions serves the paginated version history of a model.
func ListVersions(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, modelID, ok := tenantAndModelID(c)
		if !ok {
			return nil
		}

		limit, err := strconv.Atoi(c.Query("limit", "20"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
		}
		offset, err := strconv.Atoi(c.Query("offset", "0"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_OFFSET", "invalid offset")
		}

		res, err := svc.GetModelVersions(c.UserContext(), tenant, modelID, limit, offset)
		if err != nil {
			return serviceError(c, err)
		}
		return c.JSON(res)
	}
}

// CreateModel registers a new, empty model.
func CreateModel(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant := c.Get(TenantHeader)
		if tenant == "" {
			return writeError(c, fiber.StatusBadRequest, "TENANT_REQUIRED", "X-Org-ID header is required")
		}

		var in service.CreateModelInput
		if err := c.BodyParser(&in); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}

		m, err := svc.CreateModel(c.UserContext(), tenant, in)
		if err != nil {
			return serviceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(m)
	}
}

// AddVersion uploads a new version via multipart/form-data. Files go in the
// repeated "files" field; "name", "description" and "print_settings" are
// optional form values.
func AddVersion(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, modelID, ok := tenantAndModelID(c)
		if !ok {
			return nil
		}

		form, err := c.MultipartForm()
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILES_REQUIRED", "multipart form with files is required")
		}
		headers := form.File["files"]
		if len(headers) == 0 {
			return writeError(c, fiber.StatusBadRequest, "FILES_REQUIRED", "at least one file is required")
		}

		in := service.AddVersionInput{
			Name:        c.FormValue("name"),
			Description: c.FormValue("description"),
		}
		if ps := c.FormValue("print_settings"); ps != "" {
			if !json.Valid([]byte(ps)) {
				return writeError(c, fiber.StatusBadRequest, "INVALID_PRINT_SETTINGS", "print_settings must be valid JSON")
			}
			in.PrintSettings = json.RawMessage(ps)
		}

		readers := make([]io.Closer, 0, len(headers))
		defer func() {
			for _, r := range readers {
				r.Close()
			}
		}()
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return writeError(c, fiber.StatusBadRequest, "FILE_OPEN_ERROR", "cannot open uploaded file")
			}
			readers = append(readers, f)

			ct := fh.Header.Get("Content-Type")
			if ct == "" {
				ct = "application/octet-stream"
			}
			in.Files = append(in.Files, service.FileUpload{
				Reader:           f,
				OriginalFilename: fh.Filename,
				ContentType:      ct,
				Size:             fh.Size,
			})
		}

		v, err := svc.AddVersion(c.UserContext(), tenant, modelID, in)
		if err != nil {
			return serviceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(v)
	}
}

// UpdateModel applies a partial metadata update.
func UpdateModel(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, modelID, ok := tenantAndModelID(c)
		if !ok {
			return nil
		}

		var body struct {
			Name        *string `json:"name"`
			Description *string `json:"description"`
		}
		if err := c.BodyParser(&body); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}

		upd := repository.MetadataUpdate{Name: body.Name, Description: body.Description}
		if err := svc.UpdateMetadata(c.UserContext(), tenant, modelID, upd); err != nil {
			return serviceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// DeleteModel tombstones a model.
func DeleteModel(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, modelID, ok := tenantAndModelID(c)
		if !ok {
			return nil
		}

		if err := svc.DeleteModel(c.UserContext(), tenant, modelID); err != nil {
			return serviceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// DeleteVersion tombstones one version by label.
func DeleteVersion(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, modelID, ok := tenantAndModelID(c)
		if !ok {
			return nil
		}

		label := c.Params("label")
		if err := svc.DeleteVersion(c.UserContext(), tenant, modelID, label); err != nil {
			return serviceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// TagModel attaches a tag by name, creating the tag on first use.
func TagModel(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, modelID, ok := tenantAndModelID(c)
		if !ok {
			return nil
		}

		var body struct {
			Name string `json:"name"`
		}
		if err := c.BodyParser(&body); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}

		if err := svc.TagModel(c.UserContext(), tenant, modelID, body.Name); err != nil {
			return serviceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// UntagModel detaches a tag by name.
func UntagModel(svc service.CatalogService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, modelID, ok := tenantAndModelID(c)
		if !ok {
			return nil
		}

		if err := svc.UntagModel(c.UserContext(), tenant, modelID, c.Params("name")); err != nil {
			return serviceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// tenantAndModelID validates the two inputs every model-scoped route needs.
// On failure it writes the error response itself and reports false.
func tenantAndModelID(c *fiber.Ctx) (string, string, bool) {
	tenant := c.Get(TenantHeader)
	if tenant == "" {
		_ = writeError(c, fiber.StatusBadRequest, "TENANT_REQUIRED", "X-Org-ID header is required")
		return "", "", false
	}
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		_ = writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		return "", "", false
	}
	return tenant, id, true
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
