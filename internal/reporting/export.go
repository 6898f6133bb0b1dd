package reporting

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Daily reports"

var exportHeader = []string{
	"Date", "Total", "Pending", "Processing", "Completed", "Failed",
	"Total duration (s)", "Average duration (s)",
}

// ExportXLSX writes reports as a workbook, one row per date. Every category
// seen in any report gets its own column after the fixed ones.
func ExportXLSX(w io.Writer, reports []DailyReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return fmt.Errorf("export: rename sheet: %w", err)
	}

	catSet := map[string]struct{}{}
	for _, r := range reports {
		for c := range r.Categories {
			catSet[c] = struct{}{}
		}
	}
	cats := make([]string, 0, len(catSet))
	for c := range catSet {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	header := make([]any, 0, len(exportHeader)+len(cats))
	for _, h := range exportHeader {
		header = append(header, h)
	}
	for _, c := range cats {
		header = append(header, c)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("export: header: %w", err)
	}

	for i, r := range reports {
		row := []any{
			r.Date, r.TotalCalls, r.PendingCalls, r.ProcessingCalls, r.CompletedCalls, r.FailedCalls,
			r.TotalDurationSeconds, r.AverageDurationSeconds,
		}
		for _, c := range cats {
			row = append(row, r.Categories[c])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("export: row %s: %w", r.Date, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("export: write: %w", err)
	}
	return nil
}
