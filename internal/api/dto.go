package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eugenenazirov/container-planner/internal/allocator"
	"github.com/eugenenazirov/container-planner/internal/metrics"
	"github.com/eugenenazirov/container-planner/internal/storage"
)

const dateLayout = "2006-01-02"

type lineItemRequest struct {
	SKU            string           `json:"sku" validate:"required"`
	Description    string           `json:"description"`
	Client         string           `json:"client" validate:"required"`
	Warehouse      string           `json:"warehouse"`
	Quantity       *int             `json:"quantity" validate:"required,lte=1000000"`
	BoxesPerPallet *decimal.Decimal `json:"boxesPerPallet"`
	ShipDate       string           `json:"shipDate" validate:"required_without=LeadTimeDays,omitempty,datetime=2006-01-02"`
	LeadTimeDays   *int             `json:"leadTimeDays" validate:"required_without=ShipDate,omitempty,gte=0"`
}

type allocateRequest struct {
	Items []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	Menus map[string][]int  `json:"menus"`
}

type menuRequest struct {
	Capacities []int `json:"capacities" validate:"required,min=1,max=10,dive,gt=0"`
}

type menusResponse struct {
	Menus     map[string][]int `json:"menus"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Message   string           `json:"message,omitempty"`
}

type menuResponse struct {
	Client     string    `json:"client"`
	Capacities []int     `json:"capacities"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type runResponse struct {
	ID                uuid.UUID           `json:"id"`
	CreatedAt         time.Time           `json:"createdAt"`
	Source            string              `json:"source"`
	Lines             int                 `json:"lines"`
	Status            string              `json:"status"`
	TotalContainers   int                 `json:"totalContainers"`
	TotalPallets      int                 `json:"totalPallets"`
	Containers        []containerResponse `json:"containers"`
	Failures          []failureResponse   `json:"failures,omitempty"`
	CalculationTimeMs int64               `json:"calculationTimeMs,omitempty"`
}

type runSummaryResponse struct {
	ID              uuid.UUID `json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	Source          string    `json:"source"`
	Lines           int       `json:"lines"`
	Status          string    `json:"status"`
	TotalContainers int       `json:"totalContainers"`
}

type containerResponse struct {
	Number      int                  `json:"number"`
	Client      string               `json:"client"`
	Warehouse   string               `json:"warehouse,omitempty"`
	Capacity    int                  `json:"capacity"`
	Pallets     int                  `json:"pallets"`
	Headroom    int                  `json:"headroom"`
	Allocations []allocationResponse `json:"allocations"`
}

type allocationResponse struct {
	SKU         string          `json:"sku"`
	Description string          `json:"description,omitempty"`
	Pallets     int             `json:"pallets"`
	Boxes       decimal.Decimal `json:"boxes"`
	ShipDate    string          `json:"shipDate"`
}

type failureResponse struct {
	Client     string `json:"client"`
	Warehouse  string `json:"warehouse,omitempty"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// toLineItems converts validated request items; lead times count from base.
func toLineItems(reqs []lineItemRequest, base time.Time) ([]allocator.LineItem, error) {
	items := make([]allocator.LineItem, 0, len(reqs))
	for i, req := range reqs {
		item := allocator.LineItem{
			ID:          strings.TrimSpace(req.SKU),
			Description: req.Description,
			Group: allocator.GroupKey{
				Client:    normalizeKey(req.Client),
				Warehouse: normalizeKey(req.Warehouse),
			},
			Quantity:   *req.Quantity,
			Conversion: decimal.NewFromInt(1),
		}
		if req.BoxesPerPallet != nil {
			item.Conversion = *req.BoxesPerPallet
		}

		if req.ShipDate != "" {
			date, err := time.Parse(dateLayout, req.ShipDate)
			if err != nil {
				return nil, fmt.Errorf("items[%d].shipDate: %w", i, err)
			}
			item.Priority = date
		} else {
			day := time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, time.UTC)
			item.Priority = day.AddDate(0, 0, *req.LeadTimeDays)
		}
		items = append(items, item)
	}
	return items, nil
}

func newRunResponse(run storage.Run) runResponse {
	resp := runResponse{
		ID:              run.ID,
		CreatedAt:       run.CreatedAt,
		Source:          run.Source,
		Lines:           run.Lines,
		Status:          metrics.RunStatus(run.Result),
		TotalContainers: len(run.Result.Containers),
		Containers:      make([]containerResponse, 0, len(run.Result.Containers)),
	}

	for _, c := range run.Result.Containers {
		cr := containerResponse{
			Number:      c.Sequence,
			Client:      c.Group.Client,
			Warehouse:   c.Group.Warehouse,
			Capacity:    c.Capacity,
			Pallets:     c.Load(),
			Headroom:    c.Headroom(),
			Allocations: make([]allocationResponse, 0, len(c.Allocations)),
		}
		for _, a := range c.Allocations {
			cr.Allocations = append(cr.Allocations, allocationResponse{
				SKU:         a.ItemID,
				Description: a.Description,
				Pallets:     a.Quantity,
				Boxes:       a.Units,
				ShipDate:    a.Priority.Format(dateLayout),
			})
		}
		resp.TotalPallets += cr.Pallets
		resp.Containers = append(resp.Containers, cr)
	}

	for _, f := range run.Result.Failures {
		resp.Failures = append(resp.Failures, newFailureResponse(f))
	}
	return resp
}

func newRunSummary(run storage.Run) runSummaryResponse {
	return runSummaryResponse{
		ID:              run.ID,
		CreatedAt:       run.CreatedAt,
		Source:          run.Source,
		Lines:           run.Lines,
		Status:          metrics.RunStatus(run.Result),
		TotalContainers: len(run.Result.Containers),
	}
}

func newFailureResponse(f allocator.GroupFailure) failureResponse {
	resp := failureResponse{
		Client:    f.Group.Client,
		Warehouse: f.Group.Warehouse,
		Kind:      "internal",
		Error:     f.Err.Error(),
	}
	switch {
	case errors.Is(f.Err, allocator.ErrConfiguration):
		resp.Kind = "configuration"
		resp.Suggestion = fmt.Sprintf("Check the capacity menu for %s (PUT /api/capacity-menus/%s)", f.Group.Client, f.Group.Client)
	case errors.Is(f.Err, allocator.ErrData):
		resp.Kind = "data"
		resp.Suggestion = "Fix the listed line item and upload again"
	}
	return resp
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
