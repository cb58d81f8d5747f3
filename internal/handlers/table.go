package handlers

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/element"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/notion"
	"github.com/Ramsey-B/fern/pkg/registry"
)

// TableHandler handles table registration and data API requests
type TableHandler struct {
	registry *registry.Service
	cache    *cache.Service
}

// NewTableHandler creates a new table handler
func NewTableHandler(registry *registry.Service, cache *cache.Service) *TableHandler {
	return &TableHandler{
		registry: registry,
		cache:    cache,
	}
}

// RegisterRoutes registers the table routes
func (h *TableHandler) RegisterRoutes(g *echo.Group) {
	tables := g.Group("/tables")
	tables.POST("", h.Register)
	tables.POST("/:tableID/data", h.GetData)
	tables.GET("/:tableID/schema", h.GetSchema)
}

// RegisterTableRequest is the request body for registering a table
type RegisterTableRequest struct {
	Token   string `json:"token" validate:"required"`
	TableID string `json:"table_id" validate:"required"`
}

// RegisterTableResponse is the response body for a registered table
type RegisterTableResponse struct {
	IntegrationID string `json:"integration_id"`
	TableID       string `json:"table_id"`
}

// Register handles POST /tables. Registration is idempotent: posting the same
// token and table ID again returns the existing binding.
func (h *TableHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()

	var req RegisterTableRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	tbl, err := h.registry.RegisterTable(ctx, req.Token, req.TableID)
	if err != nil {
		return err
	}

	return CreatedResponse(c, RegisterTableResponse{
		IntegrationID: tbl.IntegrationID.String(),
		TableID:       tbl.ID.String(),
	})
}

// DataRequest is the request body for querying a table's data
type DataRequest struct {
	ResetCache  bool                    `json:"reset_cache"`
	UpdateCache bool                    `json:"update_cache"`
	Filter      models.FilterDescriptor `json:"filter,omitempty"`
	Calculate   string                  `json:"calculate,omitempty"`
	GroupBy     string                  `json:"group_by,omitempty"`
}

// GetData handles POST /tables/:tableID/data
func (h *TableHandler) GetData(c echo.Context) error {
	tableID, err := ParseUUID(c, "tableID")
	if err != nil {
		return err
	}
	ctx := tableContext(c, tableID)

	// update_cache defaults to true when the body omits it.
	req := DataRequest{UpdateCache: true}
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	data, err := h.cache.GetData(ctx, tableID, cache.DataRequest{
		ResetCache:  req.ResetCache,
		UpdateCache: req.UpdateCache,
		Query: models.Query{
			Filter:    req.Filter,
			Calculate: req.Calculate,
			GroupBy:   req.GroupBy,
		},
	})
	if err != nil {
		return mapTableError(err)
	}

	// A single-group aggregate reads better flattened: the group key is
	// meaningless when nothing was grouped.
	if req.Calculate != "" && req.GroupBy == "" {
		if attrs, ok := data[""]; ok && len(data) == 1 {
			return SuccessResponse(c, attrs)
		}
		return SuccessResponse(c, map[string]any{})
	}

	return SuccessResponse(c, data)
}

// GetSchema handles GET /tables/:tableID/schema
func (h *TableHandler) GetSchema(c echo.Context) error {
	tableID, err := ParseUUID(c, "tableID")
	if err != nil {
		return err
	}
	ctx := tableContext(c, tableID)

	schema, err := h.cache.GetSchema(ctx, tableID)
	if err != nil {
		return mapTableError(err)
	}

	return SuccessResponse(c, schema)
}

// mapTableError converts cache and query errors into HTTP errors.
func mapTableError(err error) error {
	var queryErr *element.QueryError
	var propErr *notion.ErrUnknownPropertyKind

	switch {
	case errors.Is(err, cache.ErrTableNotFound):
		return NotFound("table not found")
	case errors.Is(err, notion.ErrUpstream):
		return UnprocessableEntity("could not reach the upstream API, check the token and table ID")
	case errors.Is(err, element.ErrTooManyAttributes):
		return httperror.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, cache.ErrSyncInProgress):
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &queryErr):
		return UnprocessableEntity(queryErr.Reason)
	case errors.As(err, &propErr):
		return UnprocessableEntity(propErr.Error())
	default:
		return err
	}
}
