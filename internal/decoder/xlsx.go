package decoder

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// extractXlsxRows extracts tabular rows from .xlsx/.xls file bytes.
// XLSX is itself a ZIP of xl/worksheets/sheetN.xml + xl/sharedStrings.xml;
// this reuses extractDocxText's zip+XML technique rather than pulling in a
// spreadsheet dependency. Only the first worksheet is read.
func extractXlsxRows(data []byte) ([]string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decoder.extractXlsxRows: open zip: %w", err)
	}

	shared, err := readSharedStrings(r)
	if err != nil {
		return nil, fmt.Errorf("decoder.extractXlsxRows: %w", err)
	}

	sheetFile := firstWorksheet(r)
	if sheetFile == nil {
		return nil, fmt.Errorf("decoder.extractXlsxRows: no worksheet found in xlsx archive")
	}

	grid, err := readWorksheetGrid(sheetFile, shared)
	if err != nil {
		return nil, fmt.Errorf("decoder.extractXlsxRows: %w", err)
	}

	return serializeRows(grid), nil
}

func firstWorksheet(r *zip.Reader) *zip.File {
	var candidates []*zip.File
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates[0]
}

func readSharedStrings(r *zip.Reader) ([]string, error) {
	var sstFile *zip.File
	for _, f := range r.File {
		if f.Name == "xl/sharedStrings.xml" {
			sstFile = f
			break
		}
	}
	if sstFile == nil {
		return nil, nil // workbook has no shared strings table (all-numeric sheet)
	}

	rc, err := sstFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open sharedStrings.xml: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read sharedStrings.xml: %w", err)
	}

	type siNode struct {
		Text string `xml:"t"`
		Runs []struct {
			Text string `xml:"t"`
		} `xml:"r"`
	}
	type sstNode struct {
		Items []siNode `xml:"si"`
	}

	var sst sstNode
	if err := xml.Unmarshal(raw, &sst); err != nil {
		return nil, fmt.Errorf("parse sharedStrings.xml: %w", err)
	}

	out := make([]string, len(sst.Items))
	for i, item := range sst.Items {
		if item.Text != "" {
			out[i] = item.Text
			continue
		}
		var b strings.Builder
		for _, run := range item.Runs {
			b.WriteString(run.Text)
		}
		out[i] = b.String()
	}
	return out, nil
}

type sheetRow struct {
	cells map[string]string // column letter -> resolved value
}

func readWorksheetGrid(sheetFile *zip.File, shared []string) ([]sheetRow, error) {
	rc, err := sheetFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open worksheet: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read worksheet: %w", err)
	}

	type cellNode struct {
		Ref   string `xml:"r,attr"`
		Type  string `xml:"t,attr"`
		Value string `xml:"v"`
		Inline struct {
			Text string `xml:"t"`
		} `xml:"is"`
	}
	type rowNode struct {
		Cells []cellNode `xml:"c"`
	}
	type sheetData struct {
		Rows []rowNode `xml:"sheetData>row"`
	}

	var sheet sheetData
	if err := xml.Unmarshal(raw, &sheet); err != nil {
		return nil, fmt.Errorf("parse worksheet: %w", err)
	}

	colLetterRe := regexp.MustCompile(`^[A-Z]+`)
	rows := make([]sheetRow, 0, len(sheet.Rows))
	for _, rn := range sheet.Rows {
		cells := make(map[string]string)
		for _, c := range rn.Cells {
			col := colLetterRe.FindString(c.Ref)
			if col == "" {
				continue
			}
			cells[col] = resolveCellValue(c.Type, c.Value, c.Inline.Text, shared)
		}
		rows = append(rows, sheetRow{cells: cells})
	}
	return rows, nil
}

func resolveCellValue(cellType, rawValue, inlineText string, shared []string) string {
	switch cellType {
	case "s":
		idx, err := strconv.Atoi(rawValue)
		if err != nil || idx < 0 || idx >= len(shared) {
			return ""
		}
		return shared[idx]
	case "inlineStr":
		return inlineText
	case "str", "b", "":
		return rawValue
	default:
		return rawValue
	}
}

// serializeRows normalizes the sheet: the first row is the header; blank
// rows/columns/duplicate rows are dropped; remaining rows are joined as
// "col: val, col: val" skipping empty/nan/None-valued cells.
func serializeRows(grid []sheetRow) []string {
	if len(grid) == 0 {
		return nil
	}

	headers := orderedColumns(grid)
	headerRow := grid[0]

	colNames := make(map[string]string, len(headers))
	for _, col := range headers {
		name := strings.TrimSpace(headerRow.cells[col])
		if name == "" {
			name = col
		}
		colNames[col] = name
	}

	var out []string
	seen := make(map[string]bool)
	for _, row := range grid[1:] {
		if isBlankRow(row) {
			continue
		}

		var parts []string
		for _, col := range headers {
			val := strings.TrimSpace(row.cells[col])
			if isEmptyCellValue(val) {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %s", colNames[col], val))
		}
		if len(parts) == 0 {
			continue
		}

		serialized := strings.Join(parts, ", ")
		if seen[serialized] {
			continue
		}
		seen[serialized] = true
		out = append(out, serialized)
	}
	return out
}

func orderedColumns(grid []sheetRow) []string {
	set := make(map[string]bool)
	for _, row := range grid {
		for col := range row.cells {
			set[col] = true
		}
	}

	// Drop columns that are blank across every data row (excluding header).
	used := make(map[string]bool)
	for _, row := range grid[1:] {
		for col, val := range row.cells {
			if !isEmptyCellValue(strings.TrimSpace(val)) {
				used[col] = true
			}
		}
	}

	cols := make([]string, 0, len(used))
	for col := range set {
		if used[col] {
			cols = append(cols, col)
		}
	}
	sort.Slice(cols, func(i, j int) bool {
		if len(cols[i]) != len(cols[j]) {
			return len(cols[i]) < len(cols[j])
		}
		return cols[i] < cols[j]
	})
	return cols
}

func isBlankRow(row sheetRow) bool {
	for _, v := range row.cells {
		if !isEmptyCellValue(strings.TrimSpace(v)) {
			return false
		}
	}
	return true
}

func isEmptyCellValue(v string) bool {
	switch strings.ToLower(v) {
	case "", "nan", "none", "null":
		return true
	default:
		return false
	}
}
