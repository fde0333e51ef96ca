package litequery

// Region is a set of (table, rowIds-or-all, columns) triples, closed under
// union and intersection (spec §3 Region). It is used both to decide
// whether a committed write invalidates a cached query result and to scope
// invalidation precisely to the rows that actually changed.
type Region struct {
	tables map[string]*tableRegion
}

// tableRegion is one table's entry: either "full table" (all rows, all
// columns touched) or a specific set of rowIds. Column tracking is kept at
// the set level (nil means "all columns"); spec names columns as part of
// the triple but the core only needs table+rowId granularity to drive
// ObservationEngine's dirty check, so column sets are advisory and are not
// consulted by ModifiedByEvent.
type tableRegion struct {
	full    bool
	rowIDs  map[int64]struct{}
	columns map[string]struct{}
}

// NewRegion returns an empty region (matches nothing).
func NewRegion() *Region {
	return &Region{tables: make(map[string]*tableRegion)}
}

// FullTable returns a region covering every row of table.
func FullTable(table string) *Region {
	r := NewRegion()
	r.tables[table] = &tableRegion{full: true}
	return r
}

// RowIDs returns a region covering exactly the given rowIds of table.
func RowIDs(table string, ids ...int64) *Region {
	r := NewRegion()
	tr := &tableRegion{rowIDs: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		tr.rowIDs[id] = struct{}{}
	}
	r.tables[table] = tr
	return r
}

func (r *Region) entry(table string) *tableRegion {
	tr, ok := r.tables[table]
	if !ok {
		tr = &tableRegion{rowIDs: make(map[int64]struct{})}
		r.tables[table] = tr
	}
	return tr
}

// Union returns a new Region covering everything either r or other cover.
func (r *Region) Union(other *Region) *Region {
	out := NewRegion()
	for t, tr := range r.tables {
		out.tables[t] = tr.clone()
	}
	for t, tr := range other.tables {
		if existing, ok := out.tables[t]; ok {
			out.tables[t] = existing.union(tr)
		} else {
			out.tables[t] = tr.clone()
		}
	}
	return out
}

// IntersectRowIDs narrows the region's entry for table to only the given
// rowIds (used when a selected-region query records exactly which rowIds
// it touched).
func (r *Region) IntersectRowIDs(table string, ids []int64) {
	tr := r.entry(table)
	if tr.full {
		tr.full = false
		tr.rowIDs = make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			tr.rowIDs[id] = struct{}{}
		}
		return
	}
	keep := make(map[int64]struct{})
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	for id := range tr.rowIDs {
		if _, ok := idSet[id]; ok {
			keep[id] = struct{}{}
		}
	}
	tr.rowIDs = keep
}

// ModifiedByEvent reports whether a change to (table, rowID) falls within
// the region.
func (r *Region) ModifiedByEvent(table string, rowID int64) bool {
	tr, ok := r.tables[table]
	if !ok {
		return false
	}
	if tr.full {
		return true
	}
	_, touched := tr.rowIDs[rowID]
	return touched
}

func (tr *tableRegion) clone() *tableRegion {
	cp := &tableRegion{full: tr.full}
	if tr.rowIDs != nil {
		cp.rowIDs = make(map[int64]struct{}, len(tr.rowIDs))
		for id := range tr.rowIDs {
			cp.rowIDs[id] = struct{}{}
		}
	}
	return cp
}

func (tr *tableRegion) union(other *tableRegion) *tableRegion {
	if tr.full || other.full {
		return &tableRegion{full: true}
	}
	merged := tr.clone()
	for id := range other.rowIDs {
		merged.rowIDs[id] = struct{}{}
	}
	return merged
}

// IsEmpty reports whether the region matches no tables at all.
func (r *Region) IsEmpty() bool { return len(r.tables) == 0 }
