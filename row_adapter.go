package litequery

// RowAdapter rewrites a base row into a new column space without copying
// the underlying values (spec §4.3). It is produced by the SQLGenerator
// to let joined/prefetched children present their own column-name space
// out of a single flat statement result.
type RowAdapter struct {
	// mapping holds, per adapted column, the index into the base row it
	// reads from.
	mapping []int
	// names, parallel to mapping, is the adapted column's own name. If
	// empty for an entry, the base column's own name is kept.
	names []string
	// scopes maps a scope name to the adapter applied to the same base
	// row to produce that nested Row.
	scopes map[string]*RowAdapter
}

// NewRangeAdapter builds the canonical factory named by spec §4.3:
// `range(start..end).with_scopes(...)`, a contiguous slice of the base
// row's columns (exclusive end), with the given nested scopes.
func NewRangeAdapter(start, end int, scopes map[string]*RowAdapter) *RowAdapter {
	a := &RowAdapter{mapping: make([]int, 0, end-start), scopes: scopes}
	for i := start; i < end; i++ {
		a.mapping = append(a.mapping, i)
	}
	return a
}

// NewMappingAdapter builds an adapter from an explicit ordered set of base
// indices, optionally renaming each one.
func NewMappingAdapter(baseIndices []int, names []string) *RowAdapter {
	a := &RowAdapter{mapping: append([]int(nil), baseIndices...)}
	if len(names) == len(baseIndices) {
		a.names = append([]string(nil), names...)
	}
	return a
}

// WithScopes returns a copy of a with the given nested scopes attached.
func (a *RowAdapter) WithScopes(scopes map[string]*RowAdapter) *RowAdapter {
	cp := *a
	cp.scopes = scopes
	return &cp
}

// Apply produces a new Row presenting base through the adapter: the
// adapted row's Count equals len(mapping), and each nested scope is
// computed by recursively applying the scope's adapter to the same base
// row (scopes view columns, they never multiply-own them).
func (a *RowAdapter) Apply(base *Row) (*Row, error) {
	out := &Row{columns: make([]column, len(a.mapping))}
	for i, baseIdx := range a.mapping {
		v, err := base.ValueAt(baseIdx)
		if err != nil {
			return nil, err
		}
		name, _ := base.ColumnName(baseIdx)
		if i < len(a.names) && a.names[i] != "" {
			name = a.names[i]
		}
		out.columns[i] = column{name: name, value: v}
	}
	for name, scopeAdapter := range a.scopes {
		scoped, err := scopeAdapter.Apply(base)
		if err != nil {
			return nil, err
		}
		out.setScope(name, scoped)
	}
	return out, nil
}

// Compose chains adapters: the result's mapping reads through self first,
// then through other, i.e. Compose(other).Apply(base) == other.Apply ∘
// self.Apply conceptually, but implemented directly over base indices so
// no intermediate Row is ever materialized.
func (a *RowAdapter) Compose(other *RowAdapter) *RowAdapter {
	composed := &RowAdapter{mapping: make([]int, len(other.mapping))}
	for i, idx := range other.mapping {
		if idx >= 0 && idx < len(a.mapping) {
			composed.mapping[i] = a.mapping[idx]
		} else {
			composed.mapping[i] = idx
		}
	}
	composed.names = other.names
	if other.scopes != nil {
		composed.scopes = make(map[string]*RowAdapter, len(other.scopes))
		for k, v := range other.scopes {
			composed.scopes[k] = a.Compose(v)
		}
	}
	return composed
}

// Len reports the adapter's resulting column count.
func (a *RowAdapter) Len() int { return len(a.mapping) }
