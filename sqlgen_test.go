package litequery

import (
	"context"
	"strings"
	"testing"
)

func fakeColumns(schema map[string][]string) ColumnLister {
	return func(ctx context.Context, table string) ([]string, error) {
		cols, ok := schema[table]
		if !ok {
			return nil, NewProgrammerError("no such table %q", table)
		}
		return cols, nil
	}
}

var testSchema = map[string][]string{
	"authors": {"id", "name"},
	"posts":   {"id", "author_id", "title", "published"},
}

func TestSQLGenerator_CompileIsStableAcrossRuns(t *testing.T) {
	gen := NewSQLGenerator(10)
	cols := fakeColumns(testSchema)
	ctx := context.Background()

	build := func() *QueryPlan {
		return NewQueryPlan("authors").Root.Filter(RawPredicate("{alias}.id = ?", 1)).
			Order("name").
			parentPlan()
	}

	c1, err := gen.Compile(ctx, build(), cols)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2, err := gen.Compile(ctx, build(), cols)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1.SQL != c2.SQL {
		t.Errorf("expected compiling the same plan shape twice to yield equal SQL:\n%s\nvs\n%s", c1.SQL, c2.SQL)
	}
}

// parentPlan wraps a Relation back into a *QueryPlan for test convenience.
func (r *Relation) parentPlan() *QueryPlan { return &QueryPlan{Root: r} }

func TestSQLGenerator_RejectsRequiredBehindOptional(t *testing.T) {
	gen := NewSQLGenerator(10)
	cols := fakeColumns(testSchema)

	root := NewQueryPlan("authors").Root
	optional := &Relation{Source: TableSource("posts")}
	nested := &Relation{Source: TableSource("authors")}
	optional.Joining("authors", JoinRequired, nested, []string{"author_id"}, []string{"id"})
	root.Joining("posts", JoinOptional, optional, []string{"id"}, []string{"author_id"})

	_, err := gen.Compile(context.Background(), root.parentPlan(), cols)
	if err == nil {
		t.Fatal("expected an error for a required join nested behind an optional one")
	}
	if kind, _ := GetKind(err); kind != KindProgrammer {
		t.Errorf("expected KindProgrammer, got %v", kind)
	}
}

func TestSQLGenerator_RejectsJoiningAggregatedOrLimitedRelation(t *testing.T) {
	cols := fakeColumns(testSchema)

	aggregated := &Relation{Source: TableSource("posts")}
	aggregated.Group("author_id")
	root := NewQueryPlan("authors").Root
	root.Joining("posts", JoinOptional, aggregated, []string{"id"}, []string{"author_id"})
	if _, err := NewSQLGenerator(10).Compile(context.Background(), root.parentPlan(), cols); err == nil {
		t.Error("expected an error joining an aggregated relation")
	}

	limited := &Relation{Source: TableSource("posts")}
	limited.WithLimit(1, 0)
	root2 := NewQueryPlan("authors").Root
	root2.Joining("posts", JoinOptional, limited, []string{"id"}, []string{"author_id"})
	if _, err := NewSQLGenerator(10).Compile(context.Background(), root2.parentPlan(), cols); err == nil {
		t.Error("expected an error joining a limited relation")
	}
}

func TestSQLGenerator_AssociationAggregateRequiresJoin(t *testing.T) {
	gen := NewSQLGenerator(10)
	cols := fakeColumns(testSchema)

	root := NewQueryPlan("authors").Root
	root.AnnotatedWith(AssociationAggregate{Association: "posts", Function: "COUNT"})

	_, err := gen.Compile(context.Background(), root.parentPlan(), cols)
	if err == nil {
		t.Fatal("expected an error referencing an association aggregate with no matching join")
	}
}

func TestSQLGenerator_DefaultAggregateKeys(t *testing.T) {
	cases := []struct {
		agg  AssociationAggregate
		want string
	}{
		{AssociationAggregate{Association: "posts", Function: "COUNT"}, "postCount"},
		{AssociationAggregate{Association: "posts", Function: "SUM", Column: "views"}, "postsViewsSum"},
		{AssociationAggregate{Association: "posts", Function: "AVG", Column: "views"}, "averagePostsViews"},
		{AssociationAggregate{Association: "posts", Function: "MAX", Column: "views"}, "maxPostsViews"},
		{AssociationAggregate{Association: "posts", Function: "MIN", Column: "views"}, "minPostsViews"},
	}
	for _, c := range cases {
		if got := defaultAggregateKey(c.agg); got != c.want {
			t.Errorf("defaultAggregateKey(%+v) = %q, want %q", c.agg, got, c.want)
		}
	}
}

func TestSQLGenerator_CompileUpdate_EmptyAssignmentsIsNoOp(t *testing.T) {
	gen := NewSQLGenerator(10)
	sqlText, args, err := gen.CompileUpdate(context.Background(), NewQueryPlan("authors"), "id", nil, fakeColumns(testSchema))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sqlText != "" || args != nil {
		t.Errorf("expected a no-op update to return (\"\", nil), got (%q, %v)", sqlText, args)
	}
}

func TestSQLGenerator_CompileUpdate_DeterministicSetClauseOrder(t *testing.T) {
	gen := NewSQLGenerator(10)
	plan := NewQueryPlan("authors")
	sqlText, _, err := gen.CompileUpdate(context.Background(), plan, "id",
		map[string]any{"name": "ada", "age": 37}, fakeColumns(testSchema))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(sqlText, "age = ?, name = ?") {
		t.Errorf("expected sorted-key SET clause, got %q", sqlText)
	}
}

func TestSQLGenerator_CompileDelete_RejectsGrouped(t *testing.T) {
	gen := NewSQLGenerator(10)
	plan := NewQueryPlan("authors")
	plan.Root.Group("name")
	if _, _, err := gen.CompileDelete(context.Background(), plan, "id", fakeColumns(testSchema)); err == nil {
		t.Error("expected deleting a grouped query to be rejected")
	}
}

func TestSQLGenerator_SelectionDefaultsToFullColumnList(t *testing.T) {
	gen := NewSQLGenerator(10)
	plan := NewQueryPlan("authors")
	compiled, err := gen.Compile(context.Background(), plan, fakeColumns(testSchema))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(compiled.SQL, "authors.id") || !strings.Contains(compiled.SQL, "authors.name") {
		t.Errorf("expected default selection to expand to every declared column, got %q", compiled.SQL)
	}
}
