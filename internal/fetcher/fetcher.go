// Package fetcher reads CSV, JSON and XLSX files into records for import
// into a collection.
package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// Format is a supported input file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ErrUnknownFormat is returned when no format is given and the file
// extension does not name one.
var ErrUnknownFormat = eris.New("fetcher: unknown file format")

// DefaultInsertBatch is how many records Import writes per insert.
const DefaultInsertBatch = 500

// FormatFromPath infers the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return FormatCSV, nil
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Wrapf(ErrUnknownFormat, "%s", path)
}

// Options configures how a file becomes records.
type Options struct {
	Format Format // inferred from the extension when empty
	// IDField names the column or key used as the record id. Records
	// without one get an id assigned by the store.
	IDField string
	// InferTypes converts tabular cells that parse as numbers or booleans.
	// Empty cells become null. JSON input is always typed.
	InferTypes bool
	Delimiter  rune   // CSV only; tab for .tsv files when unset
	Comment    rune   // CSV only; lines starting with it are skipped
	SheetName  string // XLSX only; first sheet when unset
	BatchSize  int    // Import only; default DefaultInsertBatch
}

// Stream emits the records of the file at path. Both channels are closed
// once the file is exhausted or an error has been sent.
func Stream(ctx context.Context, path string, opts Options) (<-chan model.Record, <-chan error) {
	format := opts.Format
	if format == "" {
		f, err := FormatFromPath(path)
		if err != nil {
			return failed(err)
		}
		format = f
	}

	switch format {
	case FormatXLSX:
		return StreamXLSX(ctx, path, opts)
	case FormatCSV, FormatJSON:
	default:
		return failed(eris.Wrapf(ErrUnknownFormat, "%q", format))
	}

	f, err := os.Open(path)
	if err != nil {
		return failed(eris.Wrap(err, "fetcher: open"))
	}
	var recCh <-chan model.Record
	var errCh <-chan error
	if format == FormatJSON {
		recCh, errCh = StreamJSON(ctx, f, opts.IDField)
	} else {
		if opts.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
			opts.Delimiter = '\t'
		}
		recCh, errCh = StreamCSV(ctx, f, opts)
	}
	return recCh, closeAfter(errCh, f)
}

// closeAfter forwards errCh and closes f once the stream is done.
func closeAfter(errCh <-chan error, f *os.File) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		defer f.Close() //nolint:errcheck
		for err := range errCh {
			out <- err
		}
	}()
	return out
}

func failed(err error) (<-chan model.Record, <-chan error) {
	recCh := make(chan model.Record)
	errCh := make(chan error, 1)
	errCh <- err
	close(recCh)
	close(errCh)
	return recCh, errCh
}

// ReadRecords reads every record in the file at path.
func ReadRecords(ctx context.Context, path string, opts Options) ([]model.Record, error) {
	recCh, errCh := Stream(ctx, path, opts)
	var recs []model.Record
	for rec := range recCh {
		recs = append(recs, rec)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", path)
	}
	return recs, nil
}

// RecordSink receives imported records.
type RecordSink interface {
	InsertRecords(ctx context.Context, collection string, records []model.Record) (int, error)
}

// Import streams the file at path into collection, inserting in batches
// while the file is read. Records whose id already exists are replaced.
// On failure the count of records already inserted is returned with the
// error.
func Import(ctx context.Context, sink RecordSink, collection, path string, opts Options) (int, error) {
	if collection == "" {
		return 0, eris.New("fetcher: collection is required")
	}
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultInsertBatch
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	recCh, errCh := Stream(ctx, path, opts)

	total := 0
	batch := make([]model.Record, 0, size)
	insert := func() error {
		n, err := sink.InsertRecords(ctx, collection, batch)
		total += n
		batch = make([]model.Record, 0, size)
		return eris.Wrapf(err, "fetcher: insert into %s", collection)
	}

	for rec := range recCh {
		batch = append(batch, rec)
		if len(batch) < size {
			continue
		}
		if err := insert(); err != nil {
			cancel()
			for range recCh {
			}
			return total, err
		}
	}
	if err := <-errCh; err != nil {
		return total, eris.Wrapf(err, "fetcher: read %s", path)
	}
	if len(batch) > 0 {
		if err := insert(); err != nil {
			return total, err
		}
	}

	zap.L().Info("fetcher: import complete",
		zap.String("collection", collection),
		zap.String("path", path),
		zap.Int("records", total),
	)
	return total, nil
}
