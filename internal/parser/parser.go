// Package parser reads supplier CSV and XLSX files into header and body rows.
package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"ean-import-service/internal/models"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoHeader          = errors.New("file has no header row")
	ErrColumnNotFound    = errors.New("column not found")
)

const utf8BOM = "\ufeff"

// Table is a parsed file. Cell values are kept exactly as read.
type Table struct {
	Headers []string
	Rows    [][]string
}

// FormatFromFileName maps a file extension to an ImportFormat
func FormatFromFileName(name string) (models.ImportFormat, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return models.ImportFormatCSV, nil
	case ".xlsx":
		return models.ImportFormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// Parse reads data in the given format
func Parse(format models.ImportFormat, data []byte) (*Table, error) {
	var (
		table *Table
		err   error
	)
	switch format {
	case models.ImportFormatCSV:
		table, err = parseCSV(bytes.NewReader(data))
	case models.ImportFormatXLSX:
		table, err = parseXLSX(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	if len(table.Headers) == 0 {
		return nil, ErrNoHeader
	}
	return table, nil
}

// parseCSV sniffs the delimiter from the header line
func parseCSV(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	peek, _ := br.Peek(4096)

	reader := csv.NewReader(br)
	reader.Comma = sniffDelimiter(peek)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], utf8BOM)
	}

	table := &Table{Headers: headers}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("error reading line %d: %w", line, err)
		}
		table.Rows = append(table.Rows, record)
	}
	return table, nil
}

func sniffDelimiter(sample []byte) rune {
	firstLine := sample
	if idx := bytes.IndexByte(sample, '\n'); idx >= 0 {
		firstLine = sample[:idx]
	}

	best, bestCount := ',', 0
	for _, candidate := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(firstLine, []byte(string(candidate))); n > bestCount {
			best, bestCount = candidate, n
		}
	}
	return best
}

// parseXLSX reads the first sheet, preferring one named "Products"
func parseXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in Excel file")
	}

	sheetName := sheets[0]
	for _, name := range sheets {
		if strings.EqualFold(name, "Products") {
			sheetName = name
			break
		}
	}

	excelRows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheetName, err)
	}
	if len(excelRows) == 0 {
		return nil, ErrNoHeader
	}

	return &Table{Headers: excelRows[0], Rows: excelRows[1:]}, nil
}

// ColumnIndex returns the first position of name in the header row
func (t *Table) ColumnIndex(name string) (int, error) {
	for i, header := range t.Headers {
		if header == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
}

// Column returns every body value of the named column. Short rows yield "".
func (t *Table) Column(name string) ([]string, error) {
	idx, err := t.ColumnIndex(name)
	if err != nil {
		return nil, err
	}

	values := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		if idx < len(row) {
			values[i] = row[idx]
		}
	}
	return values, nil
}

// Records maps each body row by header name, skipping blank headers
func (t *Table) Records() []map[string]string {
	records := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		record := make(map[string]string, len(t.Headers))
		for i, header := range t.Headers {
			if strings.TrimSpace(header) == "" {
				continue
			}
			if _, exists := record[header]; exists {
				continue
			}
			if i < len(row) {
				record[header] = row[i]
			} else {
				record[header] = ""
			}
		}
		records = append(records, record)
	}
	return records
}
