package combine

import (
	"cmp"
	"container/heap"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// sampleRandom draws k distinct ordinals uniformly, deterministically for a
// seed, and returns them in enumeration order.
func sampleRandom(p *product, k int, seed uint64, enumLimit uint64) []uint64 {
	if uint64(k) >= p.size {
		return prefix(p, k)
	}
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	var out []uint64
	if p.size <= enumLimit {
		perm := r.Perm(int(p.size))
		out = make([]uint64, k)
		for i := range out {
			out[i] = uint64(perm[i])
		}
	} else {
		out = reservoir(r, p.size, k)
	}
	slices.Sort(out)
	return out
}

// reservoir is Algorithm L over the ordinals [0, n).
func reservoir(r *rand.Rand, n uint64, k int) []uint64 {
	res := make([]uint64, k)
	for i := range res {
		res[i] = uint64(i)
	}
	unit := func() float64 { return 1 - r.Float64() } // (0, 1]
	kf := float64(k)

	w := math.Exp(math.Log(unit()) / kf)
	i := uint64(k - 1)
	for {
		if w >= 1 {
			w = math.Nextafter(1, 0)
		}
		skip := math.Floor(math.Log(unit()) / math.Log(1-w))
		if skip >= float64(n-i-1) {
			return res
		}
		i += uint64(skip) + 1
		res[r.IntN(k)] = i
		w *= math.Exp(math.Log(unit()) / kf)
	}
}

type ranked struct {
	ord uint64
	key model.Value
	has bool
}

// rankCmp orders best first: present keys before missing ones, then by key
// (descending when preferHigher), then by enumeration order.
func rankCmp(preferHigher bool) func(a, b ranked) int {
	return func(a, b ranked) int {
		if a.has != b.has {
			if a.has {
				return -1
			}
			return 1
		}
		if a.has {
			c := model.Compare(a.key, b.key)
			if preferHigher {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ord, b.ord)
	}
}

// samplePriority returns the best k ordinals in priority order.
func samplePriority(p *product, context map[string]model.Record, k int, rule model.SamplingRule, enumLimit uint64) []uint64 {
	less := rankCmp(rule.PreferHigherValues)
	key := priorityKeyFunc(p, context, rule.PriorityField)

	var best []ranked
	if p.size <= enumLimit {
		best = make([]ranked, 0, p.size)
		p.each(func(ord uint64, idx []int) bool {
			v, ok := key(idx)
			best = append(best, ranked{ord: ord, key: v, has: ok})
			return true
		})
		slices.SortFunc(best, less)
		if len(best) > k {
			best = best[:k]
		}
	} else {
		h := &worstFirst{cmp: less}
		p.each(func(ord uint64, idx []int) bool {
			v, ok := key(idx)
			c := ranked{ord: ord, key: v, has: ok}
			if h.Len() < k {
				heap.Push(h, c)
			} else if less(c, h.items[0]) < 0 {
				h.items[0] = c
				heap.Fix(h, 0)
			}
			return true
		})
		best = h.items
		slices.SortFunc(best, less)
	}

	out := make([]uint64, len(best))
	for i, b := range best {
		out[i] = b.ord
	}
	return out
}

// priorityKeyFunc resolves field as View.path when its first segment names a
// view in the tuple; otherwise the bare path is looked up in the cross views
// (in rule order) and then in the singleton records.
func priorityKeyFunc(p *product, context map[string]model.Record, field string) func(idx []int) (model.Value, bool) {
	viewPos := -1
	var path string
	var ctxRec *model.Record
	if head, rest, ok := strings.Cut(field, "."); ok {
		for i, name := range p.names {
			if name == head {
				viewPos, path = i, rest
				break
			}
		}
		if viewPos < 0 {
			if rec, ok := context[head]; ok {
				ctxRec, path = &rec, rest
			}
		}
	}

	ctxNames := make([]string, 0, len(context))
	for name := range context {
		ctxNames = append(ctxNames, name)
	}
	slices.Sort(ctxNames)

	return func(idx []int) (model.Value, bool) {
		switch {
		case viewPos >= 0:
			return p.lists[viewPos][idx[viewPos]].Lookup(path)
		case ctxRec != nil:
			return ctxRec.Lookup(path)
		}
		for i := range p.lists {
			if v, ok := p.lists[i][idx[i]].Lookup(field); ok {
				return v, true
			}
		}
		for _, name := range ctxNames {
			if v, ok := context[name].Lookup(field); ok {
				return v, true
			}
		}
		return model.Value{}, false
	}
}

// worstFirst is a heap whose root is the lowest-ranked candidate.
type worstFirst struct {
	items []ranked
	cmp   func(a, b ranked) int
}

func (h *worstFirst) Len() int           { return len(h.items) }
func (h *worstFirst) Less(i, j int) bool { return h.cmp(h.items[i], h.items[j]) > 0 }
func (h *worstFirst) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *worstFirst) Push(x any)         { h.items = append(h.items, x.(ranked)) }
func (h *worstFirst) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
