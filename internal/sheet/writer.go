package sheet

import (
	"fmt"
	"io"
	"math"

	"github.com/xuri/excelize/v2"

	"github.com/eugenenazirov/container-planner/internal/allocator"
)

const (
	AllocationSheet = "Allocation"
	SummarySheet    = "Summary"
	FailuresSheet   = "Failures"

	dateFormat = "2006-01-02"
)

var (
	allocationHeader = []any{"Container", "Client", "Warehouse", "Capacity", "SKU", "Description", "Pallets", "Boxes", "Lead time"}
	summaryHeader    = []any{"Container", "Client", "Warehouse", "Capacity", "Pallets", "Headroom", "Fill %", "SKUs"}
	failuresHeader   = []any{"Client", "Warehouse", "Error"}
)

// WriteResult renders an allocation result as an xlsx workbook.
func WriteResult(w io.Writer, res allocator.Result) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName("Sheet1", AllocationSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	allocations := [][]any{allocationHeader}
	summary := [][]any{summaryHeader}
	for _, c := range res.Containers {
		skus := make(map[string]struct{})
		for _, a := range c.Allocations {
			skus[a.ItemID] = struct{}{}
			allocations = append(allocations, []any{
				c.Sequence, c.Group.Client, c.Group.Warehouse, c.Capacity,
				a.ItemID, a.Description, a.Quantity, a.Units.InexactFloat64(), a.Priority.Format(dateFormat),
			})
		}
		summary = append(summary, []any{
			c.Sequence, c.Group.Client, c.Group.Warehouse, c.Capacity,
			c.Load(), c.Headroom(), fillPercent(c), len(skus),
		})
	}

	if err := writeRows(f, AllocationSheet, allocations); err != nil {
		return err
	}
	if err := addSheet(f, SummarySheet, summary); err != nil {
		return err
	}

	if len(res.Failures) > 0 {
		failures := [][]any{failuresHeader}
		for _, fail := range res.Failures {
			failures = append(failures, []any{fail.Group.Client, fail.Group.Warehouse, fail.Err.Error()})
		}
		if err := addSheet(f, FailuresSheet, failures); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func addSheet(f *excelize.File, name string, rows [][]any) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	return writeRows(f, name, rows)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func fillPercent(c allocator.Container) float64 {
	if c.Capacity <= 0 {
		return 0
	}
	return math.Round(float64(c.Load())*1000/float64(c.Capacity)) / 10
}
