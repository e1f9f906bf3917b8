// Package resolve runs a definition's queries against the record store and
// materializes their results as named views.
package resolve

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reasoning-cli/internal/model"
)

const (
	maxParallelQueries = 4
	countCacheSize     = 512
)

// RecordSource is the read side of the record store.
type RecordSource interface {
	QueryRecords(ctx context.Context, collection, filter string) ([]model.Record, error)
	CountRecords(ctx context.Context, collection, filter string) (int, error)
}

// ResolutionError reports the query that failed to resolve.
type ResolutionError struct {
	View       string
	Collection string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve: view %q from collection %q: %v", e.View, e.Collection, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver materializes views. Counts are cached for ttl so repeated
// estimates do not rescan collections.
type Resolver struct {
	src    RecordSource
	counts *expirable.LRU[string, int]
}

// New creates a Resolver. A non-positive ttl disables the count cache.
func New(src RecordSource, ttl time.Duration) *Resolver {
	r := &Resolver{src: src}
	if ttl > 0 {
		r.counts = expirable.NewLRU[string, int](countCacheSize, nil, ttl)
	}
	return r
}

// Resolve runs every query of def and returns view name → records, with
// each record projected to the query's selected fields.
func (r *Resolver) Resolve(ctx context.Context, def *model.Definition) (map[string][]model.Record, error) {
	results := make([][]model.Record, len(def.Queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelQueries)
	for i, q := range def.Queries {
		g.Go(func() error {
			recs, err := r.ResolveQuery(gctx, q)
			if err != nil {
				return err
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	views := make(map[string][]model.Record, len(def.Queries))
	for i, q := range def.Queries {
		views[q.OutputViewName] = results[i]
	}
	return views, nil
}

// ResolveQuery materializes a single query.
func (r *Resolver) ResolveQuery(ctx context.Context, q model.Query) ([]model.Record, error) {
	start := time.Now()
	recs, err := r.src.QueryRecords(ctx, q.SourceCollectionName, q.FilterExpression)
	if err != nil {
		return nil, &ResolutionError{View: q.OutputViewName, Collection: q.SourceCollectionName, Err: err}
	}

	out := make([]model.Record, len(recs))
	for i, rec := range recs {
		out[i] = rec.Project(q.SelectedFields)
	}

	zap.L().Debug("resolve: view materialized",
		zap.String("view", q.OutputViewName),
		zap.String("collection", q.SourceCollectionName),
		zap.Int("records", len(out)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// Count returns how many records a query would resolve to without
// materializing them.
func (r *Resolver) Count(ctx context.Context, q model.Query) (int, error) {
	key := q.SourceCollectionName + "\x00" + q.FilterExpression
	if r.counts != nil {
		if n, ok := r.counts.Get(key); ok {
			return n, nil
		}
	}

	n, err := r.src.CountRecords(ctx, q.SourceCollectionName, q.FilterExpression)
	if err != nil {
		return 0, &ResolutionError{View: q.OutputViewName, Collection: q.SourceCollectionName, Err: err}
	}
	if r.counts != nil {
		r.counts.Add(key, n)
	}
	return n, nil
}

// CountAll returns view name → record count for every query of def.
func (r *Resolver) CountAll(ctx context.Context, def *model.Definition) (map[string]int, error) {
	counts := make(map[string]int, len(def.Queries))
	for _, q := range def.Queries {
		n, err := r.Count(ctx, q)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: count views")
		}
		counts[q.OutputViewName] = n
	}
	return counts, nil
}

// Invalidate drops cached counts, e.g. after records were imported.
func (r *Resolver) Invalidate() {
	if r.counts != nil {
		r.counts.Purge()
	}
}
