package fetcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/reasoning-cli/internal/model"
)

type testSheet struct {
	name string
	rows [][]string
}

// writeWorkbook saves the sheets, in order, as a workbook of string cells.
func writeWorkbook(t *testing.T, sheets ...testSheet) string {
	t.Helper()
	f := xlsx.NewFile()
	for _, s := range sheets {
		sheet, err := f.AddSheet(s.name)
		require.NoError(t, err)
		for _, cells := range s.rows {
			row := sheet.AddRow()
			for _, c := range cells {
				row.AddCell().SetString(c)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func streamXLSX(t *testing.T, path string, opts Options) ([]model.Record, error) {
	t.Helper()
	recCh, errCh := StreamXLSX(context.Background(), path, opts)
	return drain(t, recCh, errCh)
}

func TestStreamXLSX_FirstSheet(t *testing.T) {
	path := writeWorkbook(t,
		testSheet{"Characters", [][]string{{"name", "age"}, {"Alice", "31"}, {"Bob", "45"}}},
		testSheet{"Scenes", [][]string{{"name"}, {"Castle"}}},
	)

	recs, err := streamXLSX(t, path, Options{InferTypes: true})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Alice", field(t, recs[0], "name").String())
	age, ok := field(t, recs[1], "age").Num()
	require.True(t, ok)
	assert.InDelta(t, 45, age, 1e-9)
}

func TestStreamXLSX_NamedSheet(t *testing.T) {
	path := writeWorkbook(t,
		testSheet{"Characters", [][]string{{"name"}, {"Alice"}}},
		testSheet{"Scenes", [][]string{{"name", "id"}, {"Castle", "s1"}}},
	)

	recs, err := streamXLSX(t, path, Options{SheetName: "Scenes", IDField: "id"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "s1", recs[0].ID)
}

func TestStreamXLSX_BlankRowsBeforeHeader(t *testing.T) {
	path := writeWorkbook(t, testSheet{"Sheet1", [][]string{{"", ""}, {"name"}, {" "}, {"Alice"}}})

	recs, err := streamXLSX(t, path, Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Alice", field(t, recs[0], "name").String())
}

func TestStreamXLSX_Errors(t *testing.T) {
	path := writeWorkbook(t, testSheet{"Sheet1", [][]string{{"name"}}})

	_, err := streamXLSX(t, path, Options{SheetName: "Missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Missing" not found`)

	_, err = streamXLSX(t, filepath.Join(t.TempDir(), "nope.xlsx"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xlsx: open file")
}

func TestStreamXLSX_Cancelled(t *testing.T) {
	rows := [][]string{{"name"}}
	for range 1000 {
		rows = append(rows, []string{"Alice"})
	}
	path := writeWorkbook(t, testSheet{"Sheet1", rows})

	ctx, cancel := context.WithCancel(context.Background())
	recCh, errCh := StreamXLSX(ctx, path, Options{})
	<-recCh
	cancel()
	for range recCh {
	}
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
