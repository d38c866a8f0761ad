package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/eligibility"
	"github.com/onnwee/dishmatch/internal/geo"
	"github.com/onnwee/dishmatch/internal/middleware"
	"github.com/onnwee/dishmatch/internal/validate"
)

// Pagination bounds for the listing endpoints.
const (
	MaxListLimit = 50
	MaxStart     = 10000
	maxExcludes  = 500

	// MaxRadiusKm is roughly half the Earth's circumference.
	MaxRadiusKm = 20000.0
)

// Discovery is the part of discovery.Service the handlers use.
type Discovery interface {
	ListAvailable(ctx context.Context, c eligibility.Constraints) ([]dish.Dish, error)
	ListRecommended(ctx context.Context, requesterID string, excludeIDs []string, c eligibility.Constraints, limit int) ([]dish.Dish, error)
}

// DishHandlers serves the read-only discovery endpoints.
type DishHandlers struct {
	service Discovery
	logger  *slog.Logger
}

// NewDishHandlers creates the discovery handlers.
func NewDishHandlers(service Discovery, logger *slog.Logger) *DishHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &DishHandlers{service: service, logger: logger}
}

// DishResult is one dish in a listing. The exact location is replaced by a
// coarse geohash.
type DishResult struct {
	dish.Dish
	Geohash string `json:"geohash,omitempty"`
}

// DishListResponse is the body of both listing endpoints.
type DishListResponse struct {
	Results []DishResult `json:"results"`
	Count   int          `json:"count"`
}

// ListAvailable handles GET /dishes/available.
func (h *DishHandlers) ListAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	query := r.URL.Query()
	c, err := parseConstraints(query)
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}
	if c.RequesterID, err = requesterID(r); err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}

	if c.Start, err = parseIntParam(query, "start", 0, 0, MaxStart); err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}
	if c.Limit, err = parseIntParam(query, "limit", 0, 1, MaxListLimit); err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}

	dishes, err := h.service.ListAvailable(r.Context(), c)
	if err != nil {
		writeServiceError(w, r, h.logger, "list available", err)
		return
	}
	writeJSON(w, r, http.StatusOK, newDishListResponse(dishes))
}

// ListRecommended handles GET /dishes/recommended. requester_id is required.
func (h *DishHandlers) ListRecommended(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := requesterID(r)
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}
	if id == "" {
		writeCodedError(w, r, ErrCodeValidation, "requester_id is required")
		return
	}

	query := r.URL.Query()
	c, err := parseConstraints(query)
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}
	limit, err := parseIntParam(query, "limit", 0, 1, MaxListLimit)
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}

	dishes, err := h.service.ListRecommended(r.Context(), id, c.ExcludeIDs, c, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "list recommended", err)
		return
	}
	writeJSON(w, r, http.StatusOK, newDishListResponse(dishes))
}

func newDishListResponse(dishes []dish.Dish) DishListResponse {
	results := make([]DishResult, 0, len(dishes))
	for _, d := range dishes {
		results = append(results, DishResult{Dish: d, Geohash: geo.Coarse(d.Location)})
	}
	return DishListResponse{Results: results, Count: len(results)}
}

// requesterID prefers the value the Requester middleware stored and falls
// back to the query string when the middleware is not installed. An absent
// requester is not an error.
func requesterID(r *http.Request) (string, error) {
	id := middleware.GetRequesterID(r.Context())
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("requester_id"))
	}
	if id == "" {
		return "", nil
	}
	if _, err := validate.Identifier(id); err != nil {
		return "", fmt.Errorf("requester_id is invalid: %w", err)
	}
	return id, nil
}

// parseConstraints reads the filter parameters shared by both endpoints.
func parseConstraints(query url.Values) (eligibility.Constraints, error) {
	var (
		c   eligibility.Constraints
		err error
	)

	if c.City, err = validate.City(query.Get("city")); err != nil {
		return c, fmt.Errorf("city is invalid: %w", err)
	}
	if c.DateStart, err = parseTimeParam(query, "date_start"); err != nil {
		return c, err
	}
	if c.DateEnd, err = parseTimeParam(query, "date_end"); err != nil {
		return c, err
	}

	if raw := query.Get("radius_km"); raw != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || v <= 0 || v > MaxRadiusKm {
			return c, fmt.Errorf("radius_km must be a number between 0 and %.0f", MaxRadiusKm)
		}
		c.RadiusKm = &v
	}

	if raw := query.Get("age_radius"); raw != "" {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || v < 0 {
			return c, fmt.Errorf("age_radius must be a non-negative integer")
		}
		c.AgeRadius = &v
	}

	if c.Synthetic, err = eligibility.ParseVisibility(query.Get("synthetic")); err != nil {
		return c, fmt.Errorf("synthetic must be one of default, show, hide, only")
	}

	for _, raw := range query["exclude"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id == "" {
				continue
			}
			if _, err := validate.Identifier(id); err != nil {
				return c, fmt.Errorf("exclude id %q is invalid: %w", id, err)
			}
			c.ExcludeIDs = append(c.ExcludeIDs, id)
		}
	}
	if len(c.ExcludeIDs) > maxExcludes {
		return c, fmt.Errorf("at most %d exclude ids are allowed", maxExcludes)
	}

	return c, nil
}

// parseTimeParam accepts RFC 3339 timestamps and plain YYYY-MM-DD dates
// (midnight UTC).
func parseTimeParam(query url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("%s must be an RFC 3339 timestamp or a YYYY-MM-DD date", name)
}

// parseIntParam returns def when the parameter is absent.
func parseIntParam(query url.Values, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return v, nil
}
