package fetcher

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// StreamXLSX reads one sheet of a workbook, the named one or else the
// first, and emits a record per non-blank row after the header row.
// Both channels are closed when the sheet is exhausted.
func StreamXLSX(ctx context.Context, path string, opts Options) (<-chan model.Record, <-chan error) {
	recCh := make(chan model.Record, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		f, err := xlsx.OpenFile(path)
		if err != nil {
			errCh <- eris.Wrap(err, "xlsx: open file")
			return
		}
		sheet, err := sheetByName(f, opts.SheetName)
		if err != nil {
			errCh <- err
			return
		}

		var mapper *headerMapper
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := cellStrings(row)
			if blank(cells) {
				continue
			}
			if mapper == nil {
				mapper = newHeaderMapper(cells, opts)
				continue
			}
			if !emit(ctx, recCh, mapper.record(cells)) {
				errCh <- eris.Wrap(ctx.Err(), "xlsx: cancelled")
				return
			}
		}
	}()

	return recCh, errCh
}

func sheetByName(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name == "" {
		if len(f.Sheets) == 0 {
			return nil, eris.New("xlsx: workbook has no sheets")
		}
		return f.Sheets[0], nil
	}
	sheet, ok := f.Sheet[name]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", name)
	}
	return sheet, nil
}

func cellStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}
