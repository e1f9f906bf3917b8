package fetcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// StreamJSON decodes either a top-level array of objects or a sequence of
// whitespace-separated objects (JSON Lines) and emits one record per
// object. Both channels are closed when the input is exhausted.
func StreamJSON(ctx context.Context, r io.Reader, idField string) (<-chan model.Record, <-chan error) {
	recCh := make(chan model.Record, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		br := bufio.NewReader(r)
		first, err := firstByte(br)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "json: read input")
			return
		}

		dec := json.NewDecoder(br)
		switch first {
		case '[':
			if _, err := dec.Token(); err != nil {
				errCh <- eris.Wrap(err, "json: read opening bracket")
				return
			}
		case '{':
		default:
			errCh <- eris.Errorf("json: expected an array or objects, got %q", first)
			return
		}

		for n := 0; ; n++ {
			if first == '[' && !dec.More() {
				break
			}
			var obj map[string]any
			if err := dec.Decode(&obj); err != nil {
				if first == '{' && errors.Is(err, io.EOF) {
					return
				}
				errCh <- eris.Wrapf(err, "json: decode object %d", n)
				return
			}
			if !emit(ctx, recCh, model.NewRecord(idOf(obj, idField), obj)) {
				errCh <- eris.Wrap(ctx.Err(), "json: cancelled")
				return
			}
		}

		if _, err := dec.Token(); err != nil {
			errCh <- eris.Wrap(err, "json: read closing bracket")
		}
	}()

	return recCh, errCh
}

// firstByte peeks at the first non-whitespace byte.
func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
