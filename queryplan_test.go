package litequery

import "testing"

func TestRelation_JoiningSameKeyCollapses(t *testing.T) {
	root := NewQueryPlan("authors").Root
	child1 := &Relation{Source: TableSource("posts")}
	child1.Filter(RawPredicate("{alias}.published = ?", true))
	root.Joining("posts", JoinOptional, child1, []string{"id"}, []string{"author_id"})

	child2 := &Relation{Source: TableSource("posts")}
	child2.Filter(RawPredicate("{alias}.archived = ?", false))
	root.Joining("posts", JoinRequired, child2, []string{"id"}, []string{"author_id"})

	if len(root.joinOrder) != 1 {
		t.Fatalf("expected joining the same key twice to collapse into one entry, got %d", len(root.joinOrder))
	}
	merged := root.joins["posts"]
	if merged.kind != JoinRequired {
		t.Error("expected the merge to upgrade to JoinRequired")
	}
	if len(merged.rel.Filters) != 2 {
		t.Errorf("expected both sets of filters to be appended, got %d", len(merged.rel.Filters))
	}
}

func TestRelation_IsAggregatedAndIsLimited(t *testing.T) {
	r := &Relation{}
	if r.IsAggregated() || r.IsLimited() {
		t.Error("expected a fresh relation to be neither aggregated nor limited")
	}
	r.Group("author_id")
	if !r.IsAggregated() {
		t.Error("expected Group(...) to mark the relation aggregated")
	}
	r.WithLimit(10, 0)
	if !r.IsLimited() {
		t.Error("expected WithLimit(...) to mark the relation limited")
	}
}

func TestRelation_Reversed(t *testing.T) {
	r := &Relation{}
	r.Order("name")
	r.Reversed()
	if !r.Orderings[0].Descending {
		t.Error("expected Reversed to flip ascending to descending")
	}
	r.Reversed()
	if r.Orderings[0].Descending {
		t.Error("expected Reversed applied twice to restore ascending")
	}
}

func TestSubstituteAlias(t *testing.T) {
	got := substituteAlias("{alias}.age > ? AND {alias}.name = ?", "u")
	want := "u.age > ? AND u.name = ?"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
