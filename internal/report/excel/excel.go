// Package excel renders a bundle's selected fields as an xlsx workbook.
package excel

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/report"
)

// SheetName is the single worksheet in every workbook.
const SheetName = "Products"

// ContentType is the xlsx MIME type.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const rowHeight = 20

// Writer stores workbooks through a BlobStore.
type Writer struct {
	store harvest.BlobStore
}

// NewWriter builds a Writer on store.
func NewWriter(store harvest.BlobStore) *Writer {
	return &Writer{store: store}
}

// Write renders the workbook and stores it at <dir>/category_<category>.xlsx.
func (w *Writer) Write(ctx context.Context, b harvest.ResultBundle) (string, error) {
	if w.store == nil {
		return "", errors.New("excel writer has no blob store")
	}
	data, err := Render(b)
	if err != nil {
		return "", err
	}
	uri, err := w.store.PutObject(ctx, report.ArtifactPath(b, "xlsx"), ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store workbook: %w", err)
	}
	return uri, nil
}

// Render builds the workbook bytes. Failed products are highlighted.
func Render(b harvest.ResultBundle) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	styles, err := newStyles(f)
	if err != nil {
		return nil, err
	}

	columns := report.Columns(report.NormalizeFields(b.SelectedFields, nil))
	for i, col := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(SheetName, cell, col.Header); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, fmt.Errorf("column name: %w", err)
		}
		if err := f.SetColWidth(SheetName, name, name, col.Width); err != nil {
			return nil, fmt.Errorf("column width: %w", err)
		}
	}
	if len(columns) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(columns), 1)
		if err := f.SetCellStyle(SheetName, "A1", last, styles.header); err != nil {
			return nil, fmt.Errorf("header style: %w", err)
		}
	}
	if err := f.SetRowHeight(SheetName, 1, rowHeight); err != nil {
		return nil, fmt.Errorf("header height: %w", err)
	}

	for r, row := range report.Rows(b) {
		rowNum := r + 2
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = col.Value(row)
		}
		start, _ := excelize.CoordinatesToCellName(1, rowNum)
		if err := f.SetSheetRow(SheetName, start, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", rowNum, err)
		}
		style := styles.data
		if !row.Product.Success {
			style = styles.failed
		}
		if len(columns) > 0 {
			end, _ := excelize.CoordinatesToCellName(len(columns), rowNum)
			if err := f.SetCellStyle(SheetName, start, end, style); err != nil {
				return nil, fmt.Errorf("row style: %w", err)
			}
		}
		if err := f.SetRowHeight(SheetName, rowNum, rowHeight); err != nil {
			return nil, fmt.Errorf("row height: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

type styleSet struct {
	header int
	data   int
	failed int
}

func newStyles(f *excelize.File) (styleSet, error) {
	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
	header, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Family: "Arial", Size: 11, Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"4472C4"}},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
		Border:    border,
	})
	if err != nil {
		return styleSet{}, fmt.Errorf("header style: %w", err)
	}
	data, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Family: "Arial", Size: 10},
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center", WrapText: true},
		Border:    border,
	})
	if err != nil {
		return styleSet{}, fmt.Errorf("data style: %w", err)
	}
	failed, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Family: "Arial", Size: 10},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center", WrapText: true},
		Border:    border,
	})
	if err != nil {
		return styleSet{}, fmt.Errorf("failed style: %w", err)
	}
	return styleSet{header: header, data: data, failed: failed}, nil
}
