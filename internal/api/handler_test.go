package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/container-planner/internal/allocator"
	"github.com/eugenenazirov/container-planner/internal/sheet"
	"github.com/eugenenazirov/container-planner/internal/storage"
)

type controllableClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newControllableClock(initial time.Time) *controllableClock {
	return &controllableClock{now: initial}
}

func (c *controllableClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *controllableClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestRouter(t *testing.T, opts ...HandlerOption) (http.Handler, *controllableClock) {
	t.Helper()

	clock := newControllableClock(time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)

	opts = append([]HandlerOption{WithClock(clock.Now), WithLogger(logger)}, opts...)
	handler := NewHandler(allocator.New(), storage.NewMemoryMenuStorage(), storage.NewMemoryRunStorage(10), opts...)
	router := NewRouter(handler, logger, WithLogging(false), WithRateLimit(0, 0))

	return router, clock
}

type runBody struct {
	ID              string `json:"id"`
	Source          string `json:"source"`
	Lines           int    `json:"lines"`
	Status          string `json:"status"`
	TotalContainers int    `json:"totalContainers"`
	TotalPallets    int    `json:"totalPallets"`
	Containers      []struct {
		Number      int    `json:"number"`
		Client      string `json:"client"`
		Warehouse   string `json:"warehouse"`
		Capacity    int    `json:"capacity"`
		Pallets     int    `json:"pallets"`
		Allocations []struct {
			SKU      string `json:"sku"`
			Pallets  int    `json:"pallets"`
			Boxes    string `json:"boxes"`
			ShipDate string `json:"shipDate"`
		} `json:"allocations"`
	} `json:"containers"`
	Failures []struct {
		Client     string `json:"client"`
		Kind       string `json:"kind"`
		Error      string `json:"error"`
		Suggestion string `json:"suggestion"`
	} `json:"failures"`
}

func doJSON(t *testing.T, router http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) runBody {
	t.Helper()

	var body runBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func capacitiesOf(body runBody) []int {
	out := make([]int, 0, len(body.Containers))
	for _, c := range body.Containers {
		out = append(out, c.Capacity)
	}
	return out
}

func workbookBytes(t *testing.T, rows [][]any) []byte {
	t.Helper()

	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/allocations/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestRequestIDHelpers(t *testing.T) {
	ctx := contextWithRequestID(context.Background(), "abc")
	if got := requestIDFromContext(ctx); got != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
	resp := httptest.NewRecorder()
	writeInternalError(resp, assertError("boom"))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", resp.Code)
	}
}

type assertError string

func (a assertError) Error() string { return string(a) }

func TestHealthEndpoint(t *testing.T) {
	router, clock := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
	if !body.Timestamp.Equal(clock.Now()) {
		t.Fatalf("expected timestamp %s, got %s", clock.Now(), body.Timestamp)
	}
}

func TestGetCapacityMenusReturnsDefaults(t *testing.T) {
	router, clock := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/capacity-menus", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Menus     map[string][]int `json:"menus"`
		UpdatedAt time.Time        `json:"updatedAt"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	want := storage.DefaultMenus()
	if len(body.Menus) != len(want) {
		t.Fatalf("expected %d menus, got %d", len(want), len(body.Menus))
	}
	for client, menu := range want {
		if !slices.Equal(body.Menus[client], menu) {
			t.Fatalf("expected %s menu %v, got %v", client, menu, body.Menus[client])
		}
	}
	if !body.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("expected updatedAt %s, got %s", clock.Now(), body.UpdatedAt)
	}
}

func TestPutCapacityMenuUpdatesStorage(t *testing.T) {
	router, clock := setupTestRouter(t)

	clock.Advance(time.Hour)

	rec := doJSON(t, router, http.MethodPut, "/api/capacity-menus/new", map[string]any{
		"capacities": []int{10, 30, 10},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Menus     map[string][]int `json:"menus"`
		UpdatedAt time.Time        `json:"updatedAt"`
		Message   string           `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body.Message == "" {
		t.Fatalf("expected success message, got empty string")
	}
	if !slices.Equal(body.Menus["NEW"], []int{30, 10}) {
		t.Fatalf("expected normalised NEW menu, got %v", body.Menus["NEW"])
	}
	if !body.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("expected updatedAt %s, got %s", clock.Now(), body.UpdatedAt)
	}
}

func TestPutCapacityMenuValidatesInput(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{name: "Empty", payload: map[string]any{"capacities": []int{}}},
		{name: "Missing", payload: map[string]any{}},
		{name: "Negative", payload: map[string]any{"capacities": []int{21, -1}}},
		{name: "TooMany", payload: map[string]any{"capacities": []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}}},
		{name: "NotJSON", payload: "capacities"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router, _ := setupTestRouter(t)
			rec := doJSON(t, router, http.MethodPut, "/api/capacity-menus/CBL", tc.payload)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
		})
	}
}

func TestGetCapacityMenu(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/capacity-menus/hci", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Client     string `json:"client"`
		Capacities []int  `json:"capacities"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Client != "HCI" || !slices.Equal(body.Capacities, []int{22, 11}) {
		t.Fatalf("unexpected menu: %+v", body)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/capacity-menus/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown client, got %d", rec.Code)
	}
}

func TestDeleteCapacityMenu(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodDelete, "/api/capacity-menus/cbl", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Menus map[string][]int `json:"menus"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := body.Menus["CBL"]; ok {
		t.Fatalf("expected CBL menu to be removed")
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/capacity-menus/cbl", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 on second delete, got %d", rec.Code)
	}
}

func TestAllocateEndpointSuccess(t *testing.T) {
	id := uuid.MustParse("6f1c9d2e-7d8a-4b8e-9a55-0d1f0e6a1b21")
	router, _ := setupTestRouter(t, WithIDGenerator(func() uuid.UUID { return id }))

	rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"items": []map[string]any{
			{"sku": "100-A", "client": "cbl", "quantity": 30, "boxesPerPallet": 48, "leadTimeDays": 3},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeRun(t, rec)
	if body.ID != id.String() {
		t.Fatalf("expected run id %s, got %s", id, body.ID)
	}
	if body.Status != "success" || body.Source != "json" || body.Lines != 1 {
		t.Fatalf("unexpected run metadata: %+v", body)
	}
	if !slices.Equal(capacitiesOf(body), []int{15, 15}) {
		t.Fatalf("expected two 15-pallet containers, got %v", capacitiesOf(body))
	}
	if body.TotalPallets != 30 || body.TotalContainers != 2 {
		t.Fatalf("unexpected totals: %d pallets in %d containers", body.TotalPallets, body.TotalContainers)
	}

	first := body.Containers[0]
	if first.Number != 1 || first.Client != "CBL" || first.Pallets != 15 {
		t.Fatalf("unexpected first container: %+v", first)
	}
	alloc := first.Allocations[0]
	if alloc.SKU != "100-A" || alloc.Boxes != "720" || alloc.ShipDate != "2024-11-04" {
		t.Fatalf("unexpected allocation: %+v", alloc)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/allocations/"+id.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected stored run, got %d", rec.Code)
	}
	if stored := decodeRun(t, rec); stored.TotalContainers != 2 {
		t.Fatalf("expected stored run to match, got %+v", stored)
	}
}

func TestAllocateEndpointAppliesMenuOverrides(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"items": []map[string]any{
			{"sku": "100-A", "client": "CBL", "quantity": 30, "shipDate": "2024-11-20"},
		},
		"menus": map[string][]int{"cbl": {10}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeRun(t, rec)
	if !slices.Equal(capacitiesOf(body), []int{10, 10, 10}) {
		t.Fatalf("expected override menu to be used, got %v", capacitiesOf(body))
	}
}

func TestAllocateEndpointPartialFailure(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"items": []map[string]any{
			{"sku": "100-A", "client": "TAC", "quantity": 21, "leadTimeDays": 0},
			{"sku": "900-Z", "client": "ZZZ", "quantity": 4, "leadTimeDays": 0},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := decodeRun(t, rec)
	if body.Status != "partial" {
		t.Fatalf("expected partial status, got %s", body.Status)
	}
	if len(body.Containers) != 1 || body.Containers[0].Client != "TAC" {
		t.Fatalf("expected a single TAC container, got %+v", body.Containers)
	}
	if len(body.Failures) != 1 {
		t.Fatalf("expected one failure, got %d", len(body.Failures))
	}
	failure := body.Failures[0]
	if failure.Client != "ZZZ" || failure.Kind != "configuration" || failure.Suggestion == "" {
		t.Fatalf("unexpected failure: %+v", failure)
	}
}

func TestAllocateEndpointAllGroupsFail(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"items": []map[string]any{
			{"sku": "100-A", "client": "CBL", "quantity": -3, "leadTimeDays": 1},
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rec.Code)
	}

	body := decodeRun(t, rec)
	if body.Status != "failed" || len(body.Failures) != 1 || body.Failures[0].Kind != "data" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestAllocateEndpointZeroQuantityGroupIsPartial(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"items": []map[string]any{
			{"sku": "100-A", "client": "TAC", "quantity": 0, "leadTimeDays": 0},
			{"sku": "900-Z", "client": "ZZZ", "quantity": 4, "leadTimeDays": 0},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeRun(t, rec)
	if body.Status != "partial" {
		t.Fatalf("expected partial status, got %s", body.Status)
	}
	if len(body.Containers) != 0 || len(body.Failures) != 1 {
		t.Fatalf("expected no containers and one failure, got %+v", body)
	}
}

func TestAllocateEndpointCancelledRequest(t *testing.T) {
	router, _ := setupTestRouter(t)

	payload, err := json.Marshal(map[string]any{
		"items": []map[string]any{
			{"sku": "100-A", "client": "CBL", "quantity": 30, "leadTimeDays": 1},
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/allocations", bytes.NewReader(payload)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/allocations", nil)
	var runs struct {
		Runs []runBody `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("failed to decode runs: %v", err)
	}
	if len(runs.Runs) != 0 {
		t.Fatalf("expected aborted run not to be stored, got %d runs", len(runs.Runs))
	}
}

// blockingAllocator waits for the run context to end.
type blockingAllocator struct{}

func (blockingAllocator) Allocate(ctx context.Context, _ allocator.Plan) (allocator.Result, error) {
	<-ctx.Done()
	return allocator.Result{}, ctx.Err()
}

func TestAllocateEndpointTimesOut(t *testing.T) {
	logger := zaptest.NewLogger(t)
	handler := NewHandler(blockingAllocator{}, storage.NewMemoryMenuStorage(), storage.NewMemoryRunStorage(10),
		WithLogger(logger),
		WithAllocationTimeout(20*time.Millisecond),
	)
	router := NewRouter(handler, logger, WithLogging(false), WithRateLimit(0, 0))

	rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
		"items": []map[string]any{
			{"sku": "100-A", "client": "CBL", "quantity": 30, "leadTimeDays": 1},
		},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.Contains(body.Details, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline in details, got %q", body.Details)
	}
}

func TestAllocateEndpointValidatesInput(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		detail  string
	}{
		{name: "NoItems", payload: map[string]any{"items": []any{}}, detail: "items"},
		{name: "MissingSKU", payload: map[string]any{"items": []map[string]any{{"client": "CBL", "quantity": 1, "leadTimeDays": 1}}}, detail: "sku"},
		{name: "QuantityTooLarge", payload: map[string]any{"items": []map[string]any{{"sku": "A", "client": "CBL", "quantity": 1_000_001, "leadTimeDays": 1}}}, detail: "quantity"},
		{name: "MissingQuantity", payload: map[string]any{"items": []map[string]any{{"sku": "A", "client": "CBL", "leadTimeDays": 1}}}, detail: "quantity"},
		{name: "MissingDate", payload: map[string]any{"items": []map[string]any{{"sku": "A", "client": "CBL", "quantity": 1}}}, detail: "shipDate"},
		{name: "BadDate", payload: map[string]any{"items": []map[string]any{{"sku": "A", "client": "CBL", "quantity": 1, "shipDate": "20/11/2024"}}}, detail: "shipDate"},
		{name: "NegativeLeadTime", payload: map[string]any{"items": []map[string]any{{"sku": "A", "client": "CBL", "quantity": 1, "leadTimeDays": -2}}}, detail: "leadTimeDays"},
		{name: "BadMenu", payload: map[string]any{
			"items": []map[string]any{{"sku": "A", "client": "CBL", "quantity": 1, "leadTimeDays": 1}},
			"menus": map[string][]int{"CBL": {0}},
		}, detail: "CBL"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router, _ := setupTestRouter(t)
			rec := doJSON(t, router, http.MethodPost, "/api/allocations", tc.payload)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}

			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if !strings.Contains(body.Details, tc.detail) {
				t.Fatalf("expected details to mention %q, got %q", tc.detail, body.Details)
			}
		})
	}
}

func TestUploadAndExport(t *testing.T) {
	router, _ := setupTestRouter(t)

	content := workbookBytes(t, [][]any{
		{"SKU", "Nombre SKU", "BC", "Bodega", "Pallets", "Cajas por pallet", "Lead time"},
		{"100-A", "Cereal", "CBL", "North", 30, 48, "2024-11-05"},
		{"200-A", "Oats", "TAC", "", 21, 60, "2024-11-06"},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "orders.xlsx", content, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeRun(t, rec)
	if body.Source != "orders.xlsx" || body.Lines != 2 {
		t.Fatalf("unexpected run metadata: %+v", body)
	}
	if !slices.Equal(capacitiesOf(body), []int{15, 15, 21}) {
		t.Fatalf("unexpected capacities: %v", capacitiesOf(body))
	}
	if body.Containers[0].Warehouse != "NORTH" {
		t.Fatalf("expected warehouse to be carried, got %q", body.Containers[0].Warehouse)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/allocations/"+body.ID+"/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 for export, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != xlsxContentType {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, body.ID) {
		t.Fatalf("expected content disposition to name the run, got %q", got)
	}

	f, err := excelize.OpenReader(rec.Body)
	if err != nil {
		t.Fatalf("open exported workbook: %v", err)
	}
	defer func() {
		_ = f.Close()
	}()
	rows, err := f.GetRows(sheet.AllocationSheet)
	if err != nil {
		t.Fatalf("read allocation sheet: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 allocation rows, got %d", len(rows))
	}
}

func TestUploadAppliesMenuFields(t *testing.T) {
	router, _ := setupTestRouter(t)

	content := workbookBytes(t, [][]any{
		{"SKU", "BC", "Pallets", "Lead time"},
		{"100-A", "NEW", 24, 5},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "orders.XLSX", content, map[string]string{"menu.new": "12, 8"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeRun(t, rec)
	if !slices.Equal(capacitiesOf(body), []int{12, 12}) {
		t.Fatalf("expected upload menu to be used, got %v", capacitiesOf(body))
	}
}

func TestUploadRejectsInvalidInput(t *testing.T) {
	valid := workbookBytes(t, [][]any{
		{"SKU", "BC", "Pallets", "Lead time"},
		{"100-A", "CBL", 5, 1},
	})

	tests := []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
	}{
		{name: "NotXLSX", filename: "orders.csv", content: []byte("SKU,BC\n")},
		{name: "Corrupt", filename: "orders.xlsx", content: []byte("not a workbook")},
		{name: "MissingColumn", filename: "orders.xlsx", content: workbookBytes(t, [][]any{{"SKU", "Pallets"}, {"A", 1}})},
		{name: "BadQuantity", filename: "orders.xlsx", content: workbookBytes(t, [][]any{{"SKU", "BC", "Pallets", "Lead time"}, {"A", "CBL", "many", 1}})},
		{name: "HeaderOnly", filename: "orders.xlsx", content: workbookBytes(t, [][]any{{"SKU", "BC", "Pallets", "Lead time"}})},
		{name: "BadMenuField", filename: "orders.xlsx", content: valid, fields: map[string]string{"menu.CBL": "21,x"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router, _ := setupTestRouter(t)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, uploadRequest(t, tc.filename, tc.content, tc.fields))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestUploadEnforcesSizeLimit(t *testing.T) {
	content := workbookBytes(t, [][]any{
		{"SKU", "BC", "Pallets", "Lead time"},
		{"100-A", "CBL", 5, 1},
	})
	if len(content) <= 1024 {
		t.Fatalf("expected a workbook larger than the limit, got %d bytes", len(content))
	}

	tests := []struct {
		name    string
		chunked bool
	}{
		{name: "DeclaredLength"},
		{name: "ChunkedBody", chunked: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router, _ := setupTestRouter(t, WithMaxUploadBytes(1024))

			req := uploadRequest(t, "orders.xlsx", content, nil)
			if tc.chunked {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected status 413, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	router, clock := setupTestRouter(t)

	for _, client := range []string{"CBL", "TAC"} {
		clock.Advance(time.Minute)
		rec := doJSON(t, router, http.MethodPost, "/api/allocations", map[string]any{
			"items": []map[string]any{{"sku": "A", "client": client, "quantity": 5, "leadTimeDays": 1}},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/api/allocations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Runs []struct {
			ID        string    `json:"id"`
			CreatedAt time.Time `json:"createdAt"`
			Status    string    `json:"status"`
		} `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(body.Runs))
	}
	if !body.Runs[0].CreatedAt.After(body.Runs[1].CreatedAt) {
		t.Fatalf("expected newest run first, got %v then %v", body.Runs[0].CreatedAt, body.Runs[1].CreatedAt)
	}
}

func TestGetRunErrors(t *testing.T) {
	router, _ := setupTestRouter(t)

	tests := []struct {
		path string
		want int
	}{
		{path: "/api/allocations/not-a-uuid", want: http.StatusBadRequest},
		{path: "/api/allocations/" + uuid.NewString(), want: http.StatusNotFound},
		{path: fmt.Sprintf("/api/allocations/%s/export", uuid.NewString()), want: http.StatusNotFound},
	}

	for _, tc := range tests {
		rec := doJSON(t, router, http.MethodGet, tc.path, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.path, tc.want, rec.Code)
		}
	}
}

func TestCorsPreflight(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/allocations", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be set")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "test-request-id")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "test-request-id" {
		t.Fatalf("expected X-Request-ID header to be echoed, got %s", got)
	}
}
