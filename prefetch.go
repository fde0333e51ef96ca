package litequery

import (
	"context"
	"fmt"
	"strings"
)

// PrefetchRunner executes a single SQL query and returns its rows, so
// PrefetchEngine can be exercised against a fake in tests without a real
// connection.
type PrefetchRunner func(ctx context.Context, sql string, args []any) ([]*Row, error)

// PrefetchEngine evaluates to-many child requests against an already
// fetched parent result set (spec §4.5). It groups the child rows by
// pivot key and attaches each group to its matching parent row under
// prefetched_rows[association].
type PrefetchEngine struct {
	gen *SQLGenerator
	run PrefetchRunner
}

func NewPrefetchEngine(gen *SQLGenerator, run PrefetchRunner) *PrefetchEngine {
	return &PrefetchEngine{gen: gen, run: run}
}

// pivotKey joins the string forms of a row's pivot-column values into a
// single comparable key.
func pivotKey(row *Row, cols []string) (string, error) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v, err := row.ValueNamed(c)
		if err != nil {
			return "", err
		}
		parts[i] = v.String()
	}
	return strings.Join(parts, "\x1f"), nil
}

// Run evaluates every Prefetch attached to plan's root against parents,
// recursing into each prefetch's own descendants (spec §4.5: "Prefetches
// are composable ... via a recursive descent"). An empty parent set
// short-circuits without running any child query.
func (e *PrefetchEngine) Run(ctx context.Context, plan *QueryPlan, parents []*Row, columns ColumnLister) error {
	if len(parents) == 0 {
		return nil
	}
	for _, pf := range plan.Root.Prefetches {
		if err := e.runOne(ctx, plan, pf, parents, columns); err != nil {
			return err
		}
	}
	return nil
}

func (e *PrefetchEngine) runOne(ctx context.Context, parentPlan *QueryPlan, pf Prefetch, parents []*Row, columns ColumnLister) error {
	// Collect the parents' pivot keys. Nothing reads this set afterwards:
	// the attachment step below recomputes each parent's key. Child rows
	// are not annotated with extra pivot columns either; grouping reads
	// the child's own pivot columns by name, so the child plan's
	// selection must include them.
	pivotValues := make(map[string]bool)
	for _, p := range parents {
		key, err := pivotKey(p, pf.LeftColumns)
		if err != nil {
			return err
		}
		pivotValues[key] = true
	}

	childPlan := pf.Plan
	useCTE := len(pf.PivotColumns) >= 2

	var sql string
	var args []any
	var err error
	if useCTE {
		sql, args, err = e.buildCTEQuery(ctx, parentPlan, childPlan, pf, columns)
	} else {
		sql, args, err = e.buildInListQuery(ctx, childPlan, pf, parents, columns)
	}
	if err != nil {
		return err
	}

	children, err := e.run(ctx, sql, args)
	if err != nil {
		return err
	}

	if err := e.Run(ctx, childPlan, children, columns); err != nil {
		return err
	}

	groups := make(map[string][]*Row)
	for _, c := range children {
		key, err := pivotKey(c, pf.PivotColumns)
		if err != nil {
			return err
		}
		groups[key] = append(groups[key], c)
	}

	for _, p := range parents {
		key, err := pivotKey(p, pf.LeftColumns)
		if err != nil {
			return err
		}
		p.setPrefetch(pf.Association, groups[key])
	}
	return nil
}

// buildCTEQuery implements the CTE strategy: the parent query is embedded
// as `WITH grdb_base AS (...)` — the parent's own compiled query, reselected
// down to just its pivot columns — and the child filtered with
// `(pivot_cols) IN grdb_base` (spec §4.5, §8 scenario 4).
func (e *PrefetchEngine) buildCTEQuery(ctx context.Context, parentPlan, childPlan *QueryPlan, pf Prefetch, columns ColumnLister) (string, []any, error) {
	pivotOnly := *parentPlan.Root
	pivotOnly.Selection = make([]Selectable, len(pf.LeftColumns))
	for i, c := range pf.LeftColumns {
		pivotOnly.Selection[i] = Selectable{Expr: c}
	}
	pivotOnly.Aggregates = nil
	pivotOnly.alias = ""

	baseCompiled, err := e.gen.Compile(ctx, &QueryPlan{Root: &pivotOnly}, columns)
	if err != nil {
		return "", nil, err
	}
	cte := fmt.Sprintf("WITH grdb_base AS (%s)", baseCompiled.SQL)

	compiled, err := e.gen.Compile(ctx, childPlan, columns)
	if err != nil {
		return "", nil, err
	}
	pivotCols := make([]string, len(pf.PivotColumns))
	for i, c := range pf.PivotColumns {
		pivotCols[i] = childPlan.Root.alias + "." + c
	}
	filter := fmt.Sprintf("(%s) IN grdb_base", strings.Join(pivotCols, ", "))

	sep := " WHERE "
	if strings.Contains(compiled.SQL, " WHERE ") {
		sep = " AND "
	}
	sql := cte + " " + compiled.SQL + sep + filter
	allArgs := append(append([]any{}, baseCompiled.Args...), compiled.Args...)
	return sql, allArgs, nil
}

// buildInListQuery implements the fallback in-list strategy: a single
// pivot column filtered with `pivot IN (v1, v2, …)` (spec §4.5).
func (e *PrefetchEngine) buildInListQuery(ctx context.Context, childPlan *QueryPlan, pf Prefetch, parents []*Row, columns ColumnLister) (string, []any, error) {
	compiled, err := e.gen.Compile(ctx, childPlan, columns)
	if err != nil {
		return "", nil, err
	}

	seen := make(map[string]bool)
	var args []any
	placeholders := make([]string, 0, len(parents))
	for _, p := range parents {
		v, err := p.ValueNamed(pf.LeftColumns[0])
		if err != nil {
			return "", nil, err
		}
		k := v.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		placeholders = append(placeholders, "?")
		args = append(args, v.driverArg())
	}

	pivotCol := childPlan.Root.alias + "." + pf.PivotColumns[0]
	filter := fmt.Sprintf("%s IN (%s)", pivotCol, strings.Join(placeholders, ", "))

	// Prefetch child plans are not expected to carry their own ORDER
	// BY/LIMIT (grouping by parent happens after the fact, in Go), so
	// appending the pivot filter at the end of the compiled SQL is safe;
	// a child plan that does specify ordering would need the filter
	// spliced in before it instead.
	sep := " WHERE "
	if strings.Contains(compiled.SQL, " WHERE ") {
		sep = " AND "
	}
	sql := compiled.SQL + sep + filter
	allArgs := append(append([]any{}, compiled.Args...), args...)
	return sql, allArgs, nil
}
