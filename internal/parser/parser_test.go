package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"ean-import-service/internal/models"
)

func TestFormatFromFileName(t *testing.T) {
	testCases := []struct {
		name    string
		want    models.ImportFormat
		wantErr bool
	}{
		{"supplier.csv", models.ImportFormatCSV, false},
		{"SUPPLIER.CSV", models.ImportFormatCSV, false},
		{"export.txt", models.ImportFormatCSV, false},
		{"catalog.xlsx", models.ImportFormatXLSX, false},
		{"legacy.xls", "", true},
		{"noext", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FormatFromFileName(tc.name)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCSV_KeepsRawValues(t *testing.T) {
	data := []byte("\ufeffname,ean\nWidget, 8712345678901\nGadget,5412345678908\n")

	table, err := Parse(models.ImportFormatCSV, data)

	require.NoError(t, err)
	assert.Equal(t, []string{"name", "ean"}, table.Headers)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, " 8712345678901", table.Rows[0][1])
}

func TestParseCSV_SemicolonDelimiter(t *testing.T) {
	data := []byte("artikel;ean;prijs\nA;8712345678901;1,50\nB;5412345678908;2,25\n")

	table, err := Parse(models.ImportFormatCSV, data)

	require.NoError(t, err)
	assert.Equal(t, []string{"artikel", "ean", "prijs"}, table.Headers)
	assert.Equal(t, "1,50", table.Rows[0][2])
}

func TestParseCSV_RaggedRows(t *testing.T) {
	data := []byte("name,ean,sku\nWidget,8712345678901\nGadget,5412345678908,G-1,extra\n")

	table, err := Parse(models.ImportFormatCSV, data)
	require.NoError(t, err)

	values, err := table.Column("sku")
	require.NoError(t, err)
	assert.Equal(t, []string{"", "G-1"}, values)
}

func TestParseCSV_Empty(t *testing.T) {
	_, err := Parse(models.ImportFormatCSV, []byte(""))

	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	_, err := f.NewSheet("Products")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"ignored"}))
	require.NoError(t, f.SetSheetRow("Products", "A1", &[]interface{}{"name", "ean"}))
	require.NoError(t, f.SetSheetRow("Products", "A2", &[]interface{}{"Widget", "8712345678901"}))
	require.NoError(t, f.SetSheetRow("Products", "A3", &[]interface{}{"Gadget", "5412345678908"}))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	table, err := Parse(models.ImportFormatXLSX, buf.Bytes())

	require.NoError(t, err)
	assert.Equal(t, []string{"name", "ean"}, table.Headers)
	values, err := table.Column("ean")
	require.NoError(t, err)
	assert.Equal(t, []string{"8712345678901", "5412345678908"}, values)
}

func TestParseXLSX_Corrupt(t *testing.T) {
	_, err := Parse(models.ImportFormatXLSX, []byte("not a zip"))

	assert.Error(t, err)
}

func TestTable_ColumnNotFound(t *testing.T) {
	table := &Table{Headers: []string{"name"}}

	_, err := table.Column("ean")

	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestTable_Records(t *testing.T) {
	table := &Table{
		Headers: []string{"name", "", "ean", "name"},
		Rows:    [][]string{{"Widget", "x", "8712345678901", "dup"}, {"Gadget"}},
	}

	records := table.Records()

	require.Len(t, records, 2)
	assert.Equal(t, map[string]string{"name": "Widget", "ean": "8712345678901"}, records[0])
	assert.Equal(t, map[string]string{"name": "Gadget", "ean": ""}, records[1])
}
