package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cube-engine/internal/common"
	"cube-engine/internal/cube"
	"cube-engine/internal/query"
)

var (
	querySelect    []string
	queryFilter    []string
	queryGroupBy   []string
	queryOrderBy   []string
	queryLimit     int
	queryOffset    int
	querySlice     string
	queryDice      []string
	queryRollUp    []string
	queryDrillDown string
	queryText      string
	queryRepeat    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a query and print its rows and cache statistics",
	Example: `  cubectl query -d sales.yaml --select region --select 'sum(revenue)' --group-by region
  cubectl query -d sales.yaml --text "SELECT region, revenue GROUP BY region ORDER BY revenue DESC"
  cubectl query -d sales.yaml --select revenue --slice year=2024 --drill-down geo:city --repeat 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCube(cmd.Context())
		if err != nil {
			return err
		}
		if queryRepeat < 1 {
			queryRepeat = 1
		}

		out := cmd.OutOrStdout()
		for i := 0; i < queryRepeat; i++ {
			b, err := buildQuery(c, cmd.Flags().Changed("limit"))
			if err != nil {
				return err
			}
			res, err := c.Execute(cmd.Context(), b)
			if err != nil {
				return err
			}
			if i == 0 {
				if err := printResult(out, res); err != nil {
					return err
				}
			}
			source := "computed"
			if res.CacheHit {
				source = "cache hit"
			}
			fmt.Fprintf(out, "⏱️  run %d: %d rows in %s (%s, epoch %d)\n", i+1, res.NumRows, res.Duration, source, res.Epoch)
		}

		stats := c.CacheStats()
		fmt.Fprintf(out, "🗄️  cache: hits=%d misses=%d evictions=%d size=%d/%d hit_rate=%.2f\n",
			stats.Hits, stats.Misses, stats.Evictions, stats.Size, stats.Capacity, stats.HitRate())
		return nil
	},
}

func init() {
	f := queryCmd.Flags()
	f.StringArrayVar(&querySelect, "select", nil, "select item `<expr> [AS alias]` (repeatable)")
	f.StringArrayVar(&queryFilter, "filter", nil, "filter predicate (repeatable, ANDed)")
	f.StringSliceVar(&queryGroupBy, "group-by", nil, "group-by dimensions")
	f.StringArrayVar(&queryOrderBy, "order-by", nil, "order item `<expr> [ASC|DESC]` (repeatable)")
	f.IntVar(&queryLimit, "limit", 0, "maximum number of rows")
	f.IntVar(&queryOffset, "offset", 0, "number of leading rows to skip")
	f.StringVar(&querySlice, "slice", "", "restrict one dimension: `dim=value`")
	f.StringArrayVar(&queryDice, "dice", nil, "restrict a dimension as part of one dice: `dim=v1|v2` (repeatable)")
	f.StringSliceVar(&queryRollUp, "roll-up", nil, "roll up to these dimensions")
	f.StringVar(&queryDrillDown, "drill-down", "", "drill down a hierarchy: `hierarchy:level`")
	f.StringVar(&queryText, "text", "", "query in textual form instead of the flags above")
	f.IntVar(&queryRepeat, "repeat", 1, "run the query this many times to exercise the cache")
}

// buildQuery turns the query flags into a builder. Verbs are applied in a
// fixed order: select, filter, slice, dice, group-by, roll-up, drill-down,
// order-by, limit, offset.
func buildQuery(c *cube.Cube, hasLimit bool) (*query.Builder, error) {
	if queryText != "" {
		return c.ParseQuery(queryText), nil
	}

	b := c.Query().Select(querySelect...)
	for _, f := range queryFilter {
		b.Filter(f)
	}
	if querySlice != "" {
		dim, value, err := parseAssignment(querySlice)
		if err != nil {
			return nil, err
		}
		b.Slice(dim, value)
	}
	if len(queryDice) > 0 {
		pairs := make([]query.DicePair, 0, len(queryDice))
		for _, d := range queryDice {
			dim, value, err := parseAssignment(d)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, query.DicePair{Dimension: dim, Value: value})
		}
		b.Dice(pairs...)
	}
	if len(queryGroupBy) > 0 {
		b.GroupBy(queryGroupBy...)
	}
	if len(queryRollUp) > 0 {
		b.RollUp(queryRollUp...)
	}
	if queryDrillDown != "" {
		hierarchy, level, ok := strings.Cut(queryDrillDown, ":")
		if !ok {
			return nil, common.Errorf(common.ErrInvalidInput, "--drill-down expects hierarchy:level, got %q", queryDrillDown)
		}
		b.DrillDown(strings.TrimSpace(hierarchy), strings.TrimSpace(level))
	}
	if len(queryOrderBy) > 0 {
		b.OrderBy(queryOrderBy...)
	}
	if hasLimit {
		b.Limit(queryLimit)
	}
	if queryOffset != 0 {
		b.Offset(queryOffset)
	}
	return b, nil
}

// parseAssignment splits dim=value. Values separated by | become a list.
func parseAssignment(s string) (string, interface{}, error) {
	dim, raw, ok := strings.Cut(s, "=")
	dim = strings.TrimSpace(dim)
	if !ok || dim == "" {
		return "", nil, common.Errorf(common.ErrInvalidInput, "expected dim=value, got %q", s)
	}
	if !strings.Contains(raw, "|") {
		return dim, parseScalar(raw), nil
	}
	parts := strings.Split(raw, "|")
	values := make([]interface{}, len(parts))
	for i, p := range parts {
		values[i] = parseScalar(p)
	}
	return dim, values, nil
}

func parseScalar(s string) interface{} {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func printResult(out io.Writer, res *cube.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(res.Columns(), "\t")))
	for _, row := range res.Rows() {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	return w.Flush()
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
