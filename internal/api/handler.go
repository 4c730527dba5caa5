package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenenazirov/container-planner/internal/allocator"
	"github.com/eugenenazirov/container-planner/internal/metrics"
	"github.com/eugenenazirov/container-planner/internal/sheet"
	"github.com/eugenenazirov/container-planner/internal/storage"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const (
	defaultMaxUploadBytes    = 10 << 20
	defaultAllocationTimeout = 10 * time.Second
	menuFieldPrefix          = "menu."
	xlsxContentType          = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Handler wires the allocator and storage dependencies into HTTP handlers.
type Handler struct {
	allocator allocator.Allocator
	menus     storage.MenuStorage
	runs      storage.RunStorage
	validate  *validator.Validate
	logger    *zap.Logger

	clock             func() time.Time
	newID             func() uuid.UUID
	maxUploadBytes    int64
	allocationTimeout time.Duration

	mu             sync.RWMutex
	menusUpdatedAt time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithLogger sets the logger used for run diagnostics.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxUploadBytes limits the size of uploaded workbooks.
func WithMaxUploadBytes(limit int64) HandlerOption {
	return func(h *Handler) {
		if limit > 0 {
			h.maxUploadBytes = limit
		}
	}
}

// WithAllocationTimeout bounds how long a single allocation run may take.
func WithAllocationTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		if timeout > 0 {
			h.allocationTimeout = timeout
		}
	}
}

// WithIDGenerator overrides how run ids are minted.
func WithIDGenerator(gen func() uuid.UUID) HandlerOption {
	return func(h *Handler) {
		h.newID = gen
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(alloc allocator.Allocator, menus storage.MenuStorage, runs storage.RunStorage, opts ...HandlerOption) *Handler {
	h := &Handler{
		allocator: alloc,
		menus:     menus,
		runs:      runs,
		validate:  newValidator(),
		logger:    zap.NewNop(),
		clock: func() time.Time {
			return time.Now().UTC()
		},
		newID:             uuid.New,
		maxUploadBytes:    defaultMaxUploadBytes,
		allocationTimeout: defaultAllocationTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.menusUpdatedAt = h.clock()
	return h
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetMenus(w http.ResponseWriter, r *http.Request) {
	_ = r
	menus, err := h.menus.GetMenus()
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := menusResponse{
		Menus:     menus,
		UpdatedAt: h.currentMenusUpdatedAt(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetMenu(w http.ResponseWriter, r *http.Request) {
	client := normalizeKey(r.PathValue("client"))

	capacities, err := h.menus.GetMenu(client)
	if err != nil {
		if errors.Is(err, storage.ErrMenuNotFound) {
			writeError(w, http.StatusNotFound, "Capacity menu not found", fmt.Sprintf("no capacity menu configured for %s", client))
			return
		}
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, menuResponse{
		Client:     client,
		Capacities: capacities,
		UpdatedAt:  h.currentMenusUpdatedAt(),
	})
}

func (h *Handler) handlePutMenu(w http.ResponseWriter, r *http.Request) {
	client := normalizeKey(r.PathValue("client"))

	var req menuRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid capacity menu", describeValidation(err))
		return
	}

	if err := h.menus.SetMenu(client, req.Capacities); err != nil {
		if errors.Is(err, storage.ErrInvalidMenu) || errors.Is(err, storage.ErrInvalidClient) {
			writeError(w, http.StatusBadRequest, "Invalid capacity menu", err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}

	h.markMenusUpdated()
	h.writeMenus(w, fmt.Sprintf("Capacity menu for %s updated successfully", client))
}

func (h *Handler) handleDeleteMenu(w http.ResponseWriter, r *http.Request) {
	client := normalizeKey(r.PathValue("client"))

	if err := h.menus.DeleteMenu(client); err != nil {
		if errors.Is(err, storage.ErrMenuNotFound) {
			writeError(w, http.StatusNotFound, "Capacity menu not found", fmt.Sprintf("no capacity menu configured for %s", client))
			return
		}
		writeInternalError(w, err)
		return
	}

	h.markMenusUpdated()
	h.writeMenus(w, fmt.Sprintf("Capacity menu for %s removed", client))
}

func (h *Handler) writeMenus(w http.ResponseWriter, message string) {
	menus, err := h.menus.GetMenus()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, menusResponse{
		Menus:     menus,
		UpdatedAt: h.currentMenusUpdatedAt(),
		Message:   message,
	})
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", describeValidation(err))
		return
	}

	overrides := make(map[string][]int, len(req.Menus))
	for client, capacities := range req.Menus {
		normalized, err := storage.NormalizeMenu(capacities)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid capacity menu", fmt.Sprintf("%s: %v", client, err))
			return
		}
		overrides[normalizeKey(client)] = normalized
	}

	items, err := toLineItems(req.Items, h.clock())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	h.allocate(r.Context(), w, "json", items, overrides)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	tooLargeDetails := fmt.Sprintf("workbooks are limited to %d bytes", h.maxUploadBytes)
	if r.ContentLength > h.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Upload too large", tooLargeDetails)
		return
	}

	// Chunked bodies carry no length; MaxBytesReader enforces the limit while parsing.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large", tooLargeDetails)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid upload", "expected a multipart form with a file field")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload", "missing file field")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".xlsx") {
		writeError(w, http.StatusBadRequest, "Invalid upload", "only .xlsx workbooks are supported", "Save the sheet as an Excel workbook (.xlsx) and upload again")
		return
	}

	overrides := make(map[string][]int)
	for field, values := range r.MultipartForm.Value {
		client, ok := strings.CutPrefix(field, menuFieldPrefix)
		if !ok || len(values) == 0 {
			continue
		}
		capacities, err := storage.ParseCapacities(values[0])
		if err == nil {
			capacities, err = storage.NormalizeMenu(capacities)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid capacity menu", fmt.Sprintf("%s: %v", field, err))
			return
		}
		overrides[normalizeKey(client)] = capacities
	}

	items, err := sheet.ReadLineItems(file, h.clock())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid workbook", err.Error())
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid workbook", "workbook contains no line items")
		return
	}

	h.allocate(r.Context(), w, header.Filename, items, overrides)
}

// allocate runs the engine against the stored menus merged with the
// request overrides, records the run and writes the response.
func (h *Handler) allocate(ctx context.Context, w http.ResponseWriter, source string, items []allocator.LineItem, overrides map[string][]int) {
	menus, err := h.menus.GetMenus()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	for client, capacities := range overrides {
		menus[client] = capacities
	}

	ctx, cancel := context.WithTimeout(ctx, h.allocationTimeout)
	defer cancel()

	start := time.Now()
	result, err := h.allocator.Allocate(ctx, allocator.Plan{Items: items, Menus: menus})
	elapsed := time.Since(start)
	if err != nil {
		h.logger.Warn("allocation aborted",
			zap.String("source", source),
			zap.String("request_id", requestIDFromContext(ctx)),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "Allocation aborted", err.Error())
		return
	}

	status := metrics.RecordAllocation(elapsed, result)
	run := storage.Run{
		ID:        h.newID(),
		CreatedAt: h.clock(),
		Source:    source,
		Lines:     len(items),
		Menus:     menus,
		Result:    result,
	}
	if err := h.runs.SaveRun(run); err != nil {
		writeInternalError(w, err)
		return
	}

	h.logger.Info("allocation completed",
		zap.String("run_id", run.ID.String()),
		zap.String("source", source),
		zap.String("status", status),
		zap.Int("lines", len(items)),
		zap.Int("containers", len(result.Containers)),
		zap.Int("failures", len(result.Failures)),
		zap.Duration("duration", elapsed),
		zap.String("request_id", requestIDFromContext(ctx)),
	)

	resp := newRunResponse(run)
	resp.CalculationTimeMs = elapsed.Milliseconds()

	code := http.StatusOK
	if status == metrics.StatusFailed {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, resp)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	_ = r
	runs, err := h.runs.ListRuns()
	if err != nil {
		writeInternalError(w, err)
		return
	}

	summaries := make([]runSummaryResponse, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, newRunSummary(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run))
}

func (h *Handler) handleExportRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := sheet.WriteResult(&buf, run.Result); err != nil {
		writeInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="allocation-%s.xlsx"`, run.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) lookupRun(w http.ResponseWriter, r *http.Request) (storage.Run, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run id", err.Error())
		return storage.Run{}, false
	}

	run, err := h.runs.GetRun(id)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "Allocation run not found", fmt.Sprintf("run %s is unknown or has expired", id))
			return storage.Run{}, false
		}
		writeInternalError(w, err)
		return storage.Run{}, false
	}
	return run, true
}

func (h *Handler) currentMenusUpdatedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.menusUpdatedAt
}

func (h *Handler) markMenusUpdated() {
	h.mu.Lock()
	h.menusUpdatedAt = h.clock()
	h.mu.Unlock()
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// describeValidation flattens validator errors into "field: rule" pairs.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", field, rule))
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
