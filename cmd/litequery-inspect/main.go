// Command litequery-inspect opens a database, runs a limited query plan
// against a named table, and prints a one-line read-region description,
// the compiled SQL with the engine's own EXPLAIN QUERY PLAN detail lines,
// and the result rows as a table — a small demonstration of the
// SQLGenerator and Region pieces, grounded on the teacher's table-printing
// helper (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jedib0t/go-pretty/table"

	"github.com/moln-dev/litequery"
)

func main() {
	path := flag.String("db", ":memory:", "path to the sqlite database")
	tableName := flag.String("table", "", "table to inspect")
	limit := flag.Int("limit", 10, "row limit")
	flag.Parse()

	if *tableName == "" {
		fmt.Fprintln(os.Stderr, "usage: litequery-inspect -table NAME [-db PATH] [-limit N]")
		os.Exit(2)
	}

	cfg := litequery.DefaultConfig(*path)
	db, err := litequery.Open(cfg, nil)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	plan := litequery.NewQueryPlan(*tableName)
	plan.Root.WithLimit(*limit, 0)

	rows, region, err := db.Select(ctx, plan)
	if err != nil {
		log.Fatalf("select: %v", err)
	}

	fmt.Printf("region: %s\n\n", describeRegion(*tableName, region))

	if sqlText, planRows, err := db.ExplainPlan(ctx, plan); err != nil {
		fmt.Fprintf(os.Stderr, "explain query plan: %v\n", err)
	} else {
		fmt.Printf("sql: %s\n", sqlText)
		for _, r := range planRows {
			detail, _ := r.ValueNamed("detail")
			s, _ := detail.Text()
			fmt.Printf("  %s\n", s)
		}
		fmt.Println()
	}

	if len(rows) == 0 {
		fmt.Println("(no rows)")
		return
	}

	w := table.NewWriter()
	header := make(table.Row, rows[0].Count())
	for i := 0; i < rows[0].Count(); i++ {
		name, _ := rows[0].ColumnName(i)
		header[i] = name
	}
	w.AppendHeader(header)

	for _, r := range rows {
		row := make(table.Row, r.Count())
		for i := 0; i < r.Count(); i++ {
			v, err := r.ValueAt(i)
			if err != nil {
				row[i] = "?"
				continue
			}
			row[i] = v.String()
		}
		w.AppendRow(row)
	}
	fmt.Println(w.Render())
}

func describeRegion(table string, region *litequery.Region) string {
	if region == nil || region.IsEmpty() {
		return "(empty)"
	}
	return fmt.Sprintf("touches %q", table)
}
