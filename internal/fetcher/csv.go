package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// StreamCSV parses delimited text whose first row names the columns and
// emits one record per non-blank data row. Quotes are parsed leniently
// and rows may vary in length. Both channels are closed when the input is
// exhausted.
func StreamCSV(ctx context.Context, r io.Reader, opts Options) (<-chan model.Record, <-chan error) {
	recCh := make(chan model.Record, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.Comment = opts.Comment
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1
		reader.ReuseRecord = true

		var mapper *headerMapper
		for {
			row, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			if mapper == nil {
				mapper = newHeaderMapper(row, opts)
				continue
			}
			if blank(row) {
				continue
			}
			if !emit(ctx, recCh, mapper.record(row)) {
				errCh <- eris.Wrap(ctx.Err(), "csv: cancelled")
				return
			}
		}
	}()

	return recCh, errCh
}
