package litequery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gertd/go-pluralize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/iancoleman/strcase"
)

// ColumnLister resolves a table's column names, in schema-declared order.
// The compiler calls it during selection synthesis whenever a relation has
// no explicit Select(...) list; the usual implementation runs
// `PRAGMA table_info(name)` against a connection (the "filters ... resolve
// against a connection" promise spec §3 describes for the tree generally).
type ColumnLister func(ctx context.Context, table string) ([]string, error)

// CompiledSelect is the SQLGenerator's output for a select plan (spec §4.4
// "Output: SQL string, argument vector, optional RowAdapter, estimated
// read-region").
type CompiledSelect struct {
	SQL     string
	Args    []any
	Adapter *RowAdapter
	Region  *Region
}

// SQLGenerator compiles a QueryPlan into SQL (spec §4.4). Compiling the
// same plan twice yields an equal result (spec §8 "Statement cache
// invariance"). It holds an LRU sized by NewSQLGenerator, but Compile
// neither reads nor writes it: every call compiles the plan afresh.
type SQLGenerator struct {
	cache     *lru.Cache[string, *CompiledSelect]
	pluralize *pluralize.Client
}

func NewSQLGenerator(planCacheSize int) *SQLGenerator {
	if planCacheSize <= 0 {
		planCacheSize = 500
	}
	c, _ := lru.New[string, *CompiledSelect](planCacheSize)
	return &SQLGenerator{cache: c, pluralize: pluralize.NewClient()}
}

// aliasAssigner hands out a stable alias per source occurrence: the first
// occurrence of a table keeps the table's own name, subsequent occurrences
// get a numeric suffix (spec §4.4 step 1: "aliases are materialized in SQL
// only when a table appears more than once").
type aliasAssigner struct {
	counts map[string]int
}

func newAliasAssigner() *aliasAssigner { return &aliasAssigner{counts: map[string]int{}} }

func (a *aliasAssigner) assign(table string) string {
	n := a.counts[table]
	a.counts[table] = n + 1
	if n == 0 {
		return table
	}
	return fmt.Sprintf("%s_%d", table, n+1)
}

// Compile produces SQL for a select QueryPlan.
func (g *SQLGenerator) Compile(ctx context.Context, plan *QueryPlan, columns ColumnLister) (*CompiledSelect, error) {
	aliases := newAliasAssigner()
	if err := qualify(plan.Root, aliases, false); err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []any{}
	region := NewRegion()

	sb.WriteString("SELECT ")
	if plan.Root.Distinct {
		sb.WriteString("DISTINCT ")
	}

	adapter, selectExpr, err := synthesizeSelection(ctx, plan.Root, columns)
	if err != nil {
		return nil, err
	}
	sb.WriteString(selectExpr)

	sb.WriteString(" FROM ")
	sb.WriteString(qualifiedSource(plan.Root))
	region.tables[plan.Root.Source.Table] = &tableRegion{full: true}

	if err := emitAggregateJoins(plan.Root, g, aliases); err != nil {
		return nil, err
	}

	joinSQL, joinArgs, err := emitJoins(plan.Root, region)
	if err != nil {
		return nil, err
	}
	sb.WriteString(joinSQL)
	args = append(args, joinArgs...)

	whereSQL, whereArgs := composeFilters(plan.Root.Filters, plan.Root.alias)
	if whereSQL != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(whereSQL)
		args = append(args, whereArgs...)
	}

	if len(plan.Root.Grouping) > 0 || len(plan.Root.Aggregates) > 0 {
		groupCols := append([]string(nil), plan.Root.Grouping...)
		if len(plan.Root.Aggregates) > 0 {
			groupCols = append([]string{plan.Root.alias + ".id"}, groupCols...)
		}
		for i, c := range groupCols {
			groupCols[i] = substituteAlias(c, plan.Root.alias)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groupCols, ", "))
	}

	if len(plan.Root.Having) > 0 {
		havingSQL, havingArgs := composeFilters(plan.Root.Having, plan.Root.alias)
		sb.WriteString(" HAVING ")
		sb.WriteString(havingSQL)
		args = append(args, havingArgs...)
	}

	if len(plan.Root.Orderings) > 0 {
		sb.WriteString(" ORDER BY ")
		parts := make([]string, len(plan.Root.Orderings))
		for i, o := range plan.Root.Orderings {
			dir := "ASC"
			if o.Descending {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", substituteAlias(o.Expr, plan.Root.alias), dir)
		}
		sb.WriteString(strings.Join(parts, ", "))
	}

	if plan.Root.Limit.Set {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", plan.Root.Limit.Count))
		if plan.Root.Limit.Offset > 0 {
			sb.WriteString(fmt.Sprintf(" OFFSET %d", plan.Root.Limit.Offset))
		}
	}

	return &CompiledSelect{SQL: sb.String(), Args: args, Adapter: adapter, Region: region}, nil
}

func qualifiedSource(r *Relation) string {
	if r.alias == r.Source.Table {
		return r.Source.Table
	}
	return fmt.Sprintf("%s AS %s", r.Source.Table, r.alias)
}

// qualify assigns aliases depth-first and enforces the
// required-behind-optional rejection of spec §4.4 step 2.
func qualify(r *Relation, aliases *aliasAssigner, parentWasOptional bool) error {
	r.alias = aliases.assign(r.Source.Table)
	for _, key := range r.joinOrder {
		child := r.joins[key]
		if parentWasOptional && child.kind == JoinRequired {
			return NewProgrammerError("cannot join required association %q behind an optional association", key)
		}
		if child.rel.IsAggregated() {
			return NewProgrammerError("cannot join aggregated relation %q", key)
		}
		if child.rel.IsLimited() {
			return NewProgrammerError("cannot join limited relation %q", key)
		}
		if err := qualify(child.rel, aliases, child.kind == JoinOptional || parentWasOptional); err != nil {
			return err
		}
	}
	return nil
}

// emitJoins walks joinOrder in insertion order (deterministic per spec
// §4.4 step 2) emitting INNER/LEFT JOIN clauses with the FK condition AND
// the child's own filters combined into the ON clause.
func emitJoins(r *Relation, region *Region) (string, []any, error) {
	var sb strings.Builder
	var args []any
	for _, key := range r.joinOrder {
		child := r.joins[key]
		kindSQL := "INNER JOIN"
		if child.kind == JoinOptional {
			kindSQL = "LEFT JOIN"
		}
		sb.WriteString(" ")
		sb.WriteString(kindSQL)
		sb.WriteString(" ")
		sb.WriteString(qualifiedSource(child.rel))
		sb.WriteString(" ON ")

		conds := make([]string, 0, len(child.parentColumns)+len(child.rel.Filters))
		for i := range child.parentColumns {
			conds = append(conds, fmt.Sprintf("%s.%s = %s.%s", r.alias, child.parentColumns[i], child.rel.alias, child.childColumns[i]))
		}
		filterSQL, filterArgs := composeFilters(child.rel.Filters, child.rel.alias)
		if filterSQL != "" {
			conds = append(conds, filterSQL)
			args = append(args, filterArgs...)
		}
		sb.WriteString(strings.Join(conds, " AND "))

		region.tables[child.rel.Source.Table] = &tableRegion{full: true}

		childSQL, childArgs, err := emitJoins(child.rel, region)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(childSQL)
		args = append(args, childArgs...)
	}
	return sb.String(), args, nil
}

// composeFilters ANDs every predicate together (spec §4.4 step 3).
func composeFilters(filters []Predicate, alias string) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, len(filters))
	var args []any
	for i, f := range filters {
		sql, a := f.Build(alias)
		parts[i] = "(" + sql + ")"
		args = append(args, a...)
	}
	return strings.Join(parts, " AND "), args
}

// synthesizeSelection implements spec §4.4 step 4: explicit Select(...) is
// used verbatim; otherwise each relation defaults to its main table's full
// column list, with joined children's own default selection appended in
// stable (joinOrder) order, and a RowAdapter describing how to slice the
// flat result back into parent + per-child scopes.
func synthesizeSelection(ctx context.Context, r *Relation, columns ColumnLister) (*RowAdapter, string, error) {
	var exprs []string
	var names []string

	ownCols, err := selectionColumns(ctx, r, columns)
	if err != nil {
		return nil, "", err
	}
	for i, c := range ownCols {
		exprs = append(exprs, fmt.Sprintf("%s.%s", r.alias, c))
		name := c
		if len(r.Selection) > 0 && i < len(r.Selection) && r.Selection[i].As != "" {
			name = r.Selection[i].As
		}
		names = append(names, name)
	}

	for _, agg := range r.Aggregates {
		expr, key := aggregateExpr(r, agg)
		exprs = append(exprs, expr)
		names = append(names, key)
	}

	scopes := make(map[string]*RowAdapter)
	offset := len(exprs)
	for _, key := range r.joinOrder {
		child := r.joins[key]
		childAdapter, childExpr, err := synthesizeSelection(ctx, child.rel, columns)
		if err != nil {
			return nil, "", err
		}
		childExprs := splitTopLevelCommas(childExpr)
		exprs = append(exprs, childExprs...)
		scopes[key] = NewRangeAdapter(offset, offset+len(childExprs), nil).Compose(childAdapter)
		offset += len(childExprs)
	}

	adapter := NewMappingAdapter(sequential(len(names)), names)
	adapter.scopes = scopes
	return adapter, strings.Join(exprs, ", "), nil
}

func sequential(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	last := 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[last:i]))
				last = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(s[last:]))
	return parts
}

func selectionColumns(ctx context.Context, r *Relation, columns ColumnLister) ([]string, error) {
	if len(r.Selection) > 0 {
		out := make([]string, len(r.Selection))
		for i, s := range r.Selection {
			out[i] = s.Expr
		}
		return out, nil
	}
	if columns == nil {
		return nil, NewProgrammerError("no ColumnLister supplied and relation %q has no explicit selection", r.Source.Table)
	}
	return columns(ctx, r.Source.Table)
}

// emitAggregateJoins validates that every AssociationAggregate's
// association was already attached via Joining (spec §4.4 step 5 treats
// the aggregate's LEFT JOIN as the association's own join, which the
// caller attaches with JoinOptional before annotating).
func emitAggregateJoins(r *Relation, g *SQLGenerator, aliases *aliasAssigner) error {
	for _, agg := range r.Aggregates {
		if _, ok := r.joins[agg.Association]; !ok {
			return NewProgrammerError("association aggregate %q references an association that was not joined", agg.Association)
		}
	}
	return nil
}

// aggregateExpr renders one AssociationAggregate's SELECT expression and
// its defaulted output key (spec §4.4 step 5's naming scheme).
func aggregateExpr(r *Relation, agg AssociationAggregate) (expr string, key string) {
	child := r.joins[agg.Association]
	childAlias := agg.Association
	if child != nil {
		childAlias = child.rel.alias
	}

	switch strings.ToUpper(agg.Function) {
	case "COUNT":
		expr = fmt.Sprintf("COUNT(%s.id)", childAlias)
	default:
		expr = fmt.Sprintf("%s(%s.%s)", strings.ToUpper(agg.Function), childAlias, agg.Column)
	}

	if agg.Key != "" {
		return expr + " AS " + agg.Key, agg.Key
	}
	return expr + " AS " + defaultAggregateKey(agg), defaultAggregateKey(agg)
}

func defaultAggregateKey(agg AssociationAggregate) string {
	singular := strcase.ToCamel(agg.Association)
	singularLower := strcase.ToLowerCamel(agg.Association)
	switch strings.ToUpper(agg.Function) {
	case "COUNT":
		return strcase.ToLowerCamel(pluralize.NewClient().Singular(agg.Association)) + "Count"
	case "AVG":
		return "average" + singular + strcase.ToCamel(agg.Column)
	case "MAX":
		return "max" + singular + strcase.ToCamel(agg.Column)
	case "MIN":
		return "min" + singular + strcase.ToCamel(agg.Column)
	case "SUM":
		return singularLower + strcase.ToCamel(agg.Column) + "Sum"
	default:
		return singularLower + strcase.ToCamel(agg.Function)
	}
}

// CompileDelete specializes a plan into a DELETE statement (spec §4.4 step
// 6). If the plan has joins or a GROUP BY, it rewrites to
// `DELETE FROM target WHERE pk IN (SELECT pk FROM <plan>)`; deleting a
// grouped query is rejected outright since aggregated row identity is
// ambiguous. pkColumn defaults to "id".
func (g *SQLGenerator) CompileDelete(ctx context.Context, plan *QueryPlan, pkColumn string, columns ColumnLister) (string, []any, error) {
	if pkColumn == "" {
		pkColumn = "id"
	}
	r := plan.Root
	if len(r.Grouping) > 0 {
		return "", nil, NewProgrammerError("cannot delete from a grouped query")
	}
	if len(r.joinOrder) == 0 {
		whereSQL, args := composeFilters(r.Filters, r.Source.Table)
		sql := fmt.Sprintf("DELETE FROM %s", r.Source.Table)
		if whereSQL != "" {
			sql += " WHERE " + substituteAlias(whereSQL, r.Source.Table)
		}
		return sql, args, nil
	}

	sub := &QueryPlan{Root: &Relation{
		Source:    r.Source,
		Filters:   r.Filters,
		joins:     r.joins,
		joinOrder: r.joinOrder,
		Selection: []Selectable{{Expr: pkColumn}},
	}}
	compiled, err := g.Compile(ctx, sub, columns)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", r.Source.Table, pkColumn, compiled.SQL)
	return sql, compiled.Args, nil
}

// CompileUpdate specializes a plan into an UPDATE statement. An empty
// assignment list is a no-op: it returns ("", nil, nil) and the caller is
// expected to treat that as "0 rows changed, no SQL executed" per spec
// §4.4 step 6.
func (g *SQLGenerator) CompileUpdate(ctx context.Context, plan *QueryPlan, pkColumn string, assignments map[string]any, columns ColumnLister) (string, []any, error) {
	if len(assignments) == 0 {
		return "", nil, nil
	}
	if pkColumn == "" {
		pkColumn = "id"
	}
	r := plan.Root

	keys := make([]string, 0, len(assignments))
	for k := range assignments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	setParts := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		setParts[i] = k + " = ?"
		args[i] = assignments[k]
	}
	setClause := strings.Join(setParts, ", ")

	if len(r.joinOrder) == 0 && len(r.Grouping) == 0 {
		whereSQL, whereArgs := composeFilters(r.Filters, r.Source.Table)
		sql := fmt.Sprintf("UPDATE %s SET %s", r.Source.Table, setClause)
		if whereSQL != "" {
			sql += " WHERE " + substituteAlias(whereSQL, r.Source.Table)
			args = append(args, whereArgs...)
		}
		return sql, args, nil
	}

	sub := &QueryPlan{Root: &Relation{
		Source:    r.Source,
		Filters:   r.Filters,
		Grouping:  r.Grouping,
		joins:     r.joins,
		joinOrder: r.joinOrder,
		Selection: []Selectable{{Expr: pkColumn}},
	}}
	compiled, err := g.Compile(ctx, sub, columns)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)", r.Source.Table, setClause, pkColumn, compiled.SQL)
	args = append(args, compiled.Args...)
	return sql, args, nil
}
