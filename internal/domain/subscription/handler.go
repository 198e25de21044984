package subscription

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/pkg/pagination"
)

// Handler provides HTTP endpoints for Subscription management and event
// ingestion.
type Handler struct {
	svc    *Service
	engine *Engine
}

// NewHandler creates a new subscription handler.
func NewHandler(svc *Service, engine *Engine) *Handler {
	return &Handler{svc: svc, engine: engine}
}

// RegisterRoutes registers the FHIR Subscription endpoints and the resource
// change ingestion endpoint.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	fhirRead := fhirGroup.Group("", auth.RequireRole("subscription-reader", "subscription-writer"))
	fhirRead.GET("/Subscription", h.SearchSubscriptionsFHIR)
	fhirRead.GET("/Subscription/:id", h.GetSubscriptionFHIR)

	fhirWrite := fhirGroup.Group("", auth.RequireRole("subscription-writer"))
	fhirWrite.POST("/Subscription", h.CreateSubscriptionFHIR)
	fhirWrite.DELETE("/Subscription/:id", h.DeleteSubscriptionFHIR)
	fhirWrite.POST("/Subscription/:id/$activate", h.ActivateSubscriptionFHIR)
	fhirWrite.POST("/Subscription/:id/$deactivate", h.DeactivateSubscriptionFHIR)

	api.POST("/events", h.IngestEvent, auth.RequireRole("event-publisher"))
}

const activateDoc = "Sends a handshake to rest-hook endpoints before activating. " +
	"Subscriptions whose end time has passed are rejected with 400."

// DescribeCapabilities advertises the Subscription resource, its operations
// and the channel types d can deliver on.
func DescribeCapabilities(b *fhir.CapabilityBuilder, d *Dispatcher) {
	params := make([]fhir.SearchParam, 0, len(searchParamNames))
	for _, name := range searchParamNames {
		typ := "token"
		if name == "url" {
			typ = "uri"
		} else if name == "criteria" {
			typ = "string"
		}
		params = append(params, fhir.SearchParam{Name: name, Type: typ})
	}
	b.AddResource("Subscription",
		[]string{"read", "search-type", "create", "delete"},
		params,
		fhir.OperationCapability{
			Name:          "activate",
			Definition:    "/fhir/OperationDefinition/Subscription-activate",
			Documentation: activateDoc,
		},
		fhir.OperationCapability{Name: "deactivate", Definition: "/fhir/OperationDefinition/Subscription-deactivate"},
	)
	kinds := d.Kinds()
	channels := make([]string, len(kinds))
	for i, k := range kinds {
		channels[i] = string(k)
	}
	b.SetSubscriptionChannels(channels)
}

// errorOutcome maps service errors to a status code and OperationOutcome.
func errorOutcome(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Subscription", c.Param("id")))
	case errors.Is(err, ErrInvalidSubscription):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case errors.Is(err, ErrEndpointUnreachable):
		return c.JSON(http.StatusBadGateway, fhir.UnreachableOutcome(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
}

var searchParamNames = []string{"status", "type", "url", "criteria"}

func (h *Handler) SearchSubscriptionsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := make(map[string]string)
	filters := url.Values{}
	for _, name := range searchParamNames {
		if v := c.QueryParam(name); v != "" {
			params[name] = v
			filters.Set(name, v)
		}
	}
	items, total, err := h.svc.SearchSubscriptions(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]map[string]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	const base = "/fhir/Subscription"
	var links []fhir.BundleLink
	for _, l := range pg.Links(base, filters, total) {
		links = append(links, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, total, base, links...))
}

func (h *Handler) GetSubscriptionFHIR(c echo.Context) error {
	sub, err := h.svc.GetSubscriptionByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorOutcome(c, err)
	}
	return c.JSON(http.StatusOK, sub.ToFHIR())
}

func (h *Handler) CreateSubscriptionFHIR(c echo.Context) error {
	var resource map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&resource); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("request body must be a Subscription resource"))
	}
	sub, err := FromFHIR(resource)
	if err != nil {
		return errorOutcome(c, err)
	}
	if err := h.svc.CreateSubscription(c.Request().Context(), sub); err != nil {
		return errorOutcome(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/Subscription/"+sub.FHIRID)
	return c.JSON(http.StatusCreated, sub.ToFHIR())
}

func (h *Handler) DeleteSubscriptionFHIR(c echo.Context) error {
	if err := h.svc.DeleteSubscription(c.Request().Context(), c.Param("id")); err != nil {
		return errorOutcome(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ActivateSubscriptionFHIR(c echo.Context) error {
	sub, err := h.svc.Activate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorOutcome(c, err)
	}
	return c.JSON(http.StatusOK, sub.ToFHIR())
}

func (h *Handler) DeactivateSubscriptionFHIR(c echo.Context) error {
	sub, err := h.svc.Deactivate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorOutcome(c, err)
	}
	return c.JSON(http.StatusOK, sub.ToFHIR())
}

// IngestEvent accepts a resource change and processes it in the background.
// The caller gets 202 regardless of how notification delivery turns out.
func (h *Handler) IngestEvent(c echo.Context) error {
	var event fhir.ResourceChangeEvent
	if err := c.Bind(&event); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("request body must be a resource change event"))
	}
	if err := h.engine.Submit(c.Request().Context(), event); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"resource": event.Reference(),
	})
}
