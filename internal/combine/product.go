package combine

import (
	"math"
	"math/bits"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// product enumerates the cartesian product of a list of views. Tuples are
// addressed by ordinal: the first view varies slowest, the last fastest.
type product struct {
	names []string
	lists [][]model.Record
	size  uint64 // saturates at math.MaxUint64
}

func newProduct(names []string, lists [][]model.Record) *product {
	p := &product{names: names, lists: lists}
	if len(lists) == 0 {
		return p
	}
	size := uint64(1)
	for _, l := range lists {
		hi, lo := bits.Mul64(size, uint64(len(l)))
		if hi != 0 {
			size = math.MaxUint64
			continue
		}
		size = lo
	}
	p.size = size
	return p
}

// tuple decodes an ordinal into one record index per view.
func (p *product) tuple(ordinal uint64, idx []int) {
	for i := len(p.lists) - 1; i >= 0; i-- {
		n := uint64(len(p.lists[i]))
		idx[i] = int(ordinal % n)
		ordinal /= n
	}
}

// each walks the product in ordinal order until fn returns false.
func (p *product) each(fn func(ordinal uint64, idx []int) bool) {
	if p.size == 0 {
		return
	}
	idx := make([]int, len(p.lists))
	for ord := uint64(0); ; ord++ {
		if !fn(ord, idx) {
			return
		}
		// odometer: advance the innermost (last) view first
		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(p.lists[i]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

// dataMap builds the view→record map for a tuple.
func (p *product) dataMap(idx []int, context map[string]model.Record) map[string]model.Record {
	m := make(map[string]model.Record, len(p.names)+len(context))
	for name, rec := range context {
		m[name] = rec
	}
	for i, name := range p.names {
		m[name] = p.lists[i][idx[i]]
	}
	return m
}
