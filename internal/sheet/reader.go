// Package sheet converts between xlsx workbooks and allocator records.
package sheet

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/eugenenazirov/container-planner/internal/allocator"
)

// Serial values at or above this are read as Excel dates; smaller integers
// are lead times in days.
const minExcelSerial = 1000

// ErrNoWorksheet is returned for a workbook without sheets.
var ErrNoWorksheet = errors.New("workbook has no worksheets")

type column int

const (
	colSKU column = iota
	colDescription
	colClient
	colWarehouse
	colQuantity
	colConversion
	colPriority
)

var columnNames = map[column]string{
	colSKU:         "SKU",
	colDescription: "Description",
	colClient:      "Client",
	colWarehouse:   "Warehouse",
	colQuantity:    "Pallets",
	colConversion:  "Boxes per pallet",
	colPriority:    "Lead time",
}

var headerAliases = map[string]column{
	"sku":                  colSKU,
	"item":                 colSKU,
	"nombre sku":           colDescription,
	"description":          colDescription,
	"descripcion":          colDescription,
	"bc":                   colClient,
	"client":               colClient,
	"cliente":              colClient,
	"warehouse":            colWarehouse,
	"bodega":               colWarehouse,
	"pallets":              colQuantity,
	"quantity":             colQuantity,
	"cantidad":             colQuantity,
	"cajas por pallet":     colConversion,
	"pallet build per sku": colConversion,
	"boxes per pallet":     colConversion,
	"lead time":            colPriority,
	"ship date":            colPriority,
	"fecha":                colPriority,
}

var requiredColumns = []column{colSKU, colClient, colQuantity, colPriority}

// dateLayouts are tried in order. Slash dates read month first; the
// day-first layout only matches when the leading field exceeds 12.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/06",
	"02/01/2006",
	"02-01-2006",
}

// maxQuantity bounds a single row before it is converted to int.
const maxQuantity = 1_000_000

// ReadLineItems parses the first worksheet into line items. Integer lead
// times are counted in days from ref.
func ReadLineItems(r io.Reader, ref time.Time) ([]allocator.LineItem, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoWorksheet
	}

	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read worksheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	index, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	base := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
	items := make([]allocator.LineItem, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		item, err := parseRow(row, index, base)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", allocator.ErrData, i+2, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func mapHeader(header []string) (map[column]int, error) {
	index := make(map[column]int)
	for i, name := range header {
		key := strings.ToLower(strings.Join(strings.Fields(name), " "))
		if col, ok := headerAliases[key]; ok {
			if _, dup := index[col]; !dup {
				index[col] = i
			}
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, columnNames[col])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s", allocator.ErrData, strings.Join(missing, ", "))
	}
	return index, nil
}

func parseRow(row []string, index map[column]int, base time.Time) (allocator.LineItem, error) {
	cell := func(col column) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	item := allocator.LineItem{
		ID:          cell(colSKU),
		Description: cell(colDescription),
		Group: allocator.GroupKey{
			Client:    strings.ToUpper(cell(colClient)),
			Warehouse: strings.ToUpper(cell(colWarehouse)),
		},
		Conversion: decimal.NewFromInt(1),
	}
	if item.ID == "" {
		return item, fmt.Errorf("%s is empty", columnNames[colSKU])
	}
	if item.Group.Client == "" {
		return item, fmt.Errorf("%s is empty", columnNames[colClient])
	}

	quantity, err := parseQuantity(cell(colQuantity))
	if err != nil {
		return item, fmt.Errorf("%s: %w", columnNames[colQuantity], err)
	}
	item.Quantity = quantity

	if raw := cell(colConversion); raw != "" {
		conversion, err := decimal.NewFromString(raw)
		if err != nil {
			return item, fmt.Errorf("%s: %q is not a number", columnNames[colConversion], raw)
		}
		item.Conversion = conversion
	}

	priority, err := parsePriority(cell(colPriority), base)
	if err != nil {
		return item, fmt.Errorf("%s: %w", columnNames[colPriority], err)
	}
	item.Priority = priority

	return item, nil
}

// parseQuantity accepts whole numbers, including spreadsheet floats such as "12.0".
// Negative values pass through so the allocator can reject the whole group.
func parseQuantity(raw string) (int, error) {
	if raw == "" {
		return 0, errors.New("value is empty")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	if value != math.Trunc(value) {
		return 0, fmt.Errorf("%q is not a whole number", raw)
	}
	if math.Abs(value) > maxQuantity {
		return 0, fmt.Errorf("%q exceeds the limit of %d units", raw, maxQuantity)
	}
	return int(value), nil
}

func parsePriority(raw string, base time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("value is empty")
	}
	if value, err := strconv.ParseFloat(raw, 64); err == nil {
		if value >= minExcelSerial {
			return excelize.ExcelDateToTime(value, false)
		}
		if value != math.Trunc(value) {
			return time.Time{}, fmt.Errorf("lead time %q is not a whole number of days", raw)
		}
		return base.AddDate(0, 0, int(value)), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date or lead time", raw)
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
