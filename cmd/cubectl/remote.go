package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cube-engine/internal/api/client"
)

var (
	remoteServer  string
	remoteToken   string
	remoteTimeout time.Duration
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Talk to a running cube-server instead of a local definition",
}

var remoteQueryCmd = &cobra.Command{
	Use:     "query <text>",
	Short:   "Run a textual query on the server",
	Example: `  cubectl remote --server http://localhost:8080 query "SELECT region, revenue GROUP BY region"`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newRemoteClient().QueryText(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.ToUpper(strings.Join(resp.Columns, "\t")))
		for _, row := range resp.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatCell(v)
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "⏱️  %d rows in %.3fms (cached=%t, epoch %d, query %s)\n",
			resp.RowCount, resp.DurationMS, resp.Cached, resp.Epoch, resp.QueryID)
		return nil
	},
}

var remoteHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server health and cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cl := newRemoteClient()
		health, err := cl.Health(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✅ %s: cube=%s rows=%d epoch=%d uptime=%s version=%s\n",
			health.Status, health.Cube, health.Rows, health.Epoch, health.Uptime, health.Version)

		stats, err := cl.CacheStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "🗄️  cache: hits=%d misses=%d evictions=%d size=%d/%d hit_rate=%.2f\n",
			stats.Hits, stats.Misses, stats.Evictions, stats.Size, stats.Capacity, stats.HitRate())
		return nil
	},
}

var (
	historyEpoch uint64
	historySince time.Duration
)

var remoteHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List the server's retained mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := &client.HistoryFilter{}
		if cmd.Flags().Changed("epoch") {
			filter.Epoch = &historyEpoch
		}
		if historySince > 0 {
			filter.Since = time.Now().Add(-historySince)
		}
		resp, err := newRemoteClient().History(cmd.Context(), filter)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "EPOCH\tKIND\tROWS_AFFECTED\tROWS_AFTER\tAT")
		for _, m := range resp.Mutations {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", m.Epoch, m.Kind, m.RowsAffected, m.RowsAfter, m.Timestamp.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "📜 %d shown, %d/%d retained\n", len(resp.Mutations), resp.Stats.Count, resp.Stats.Capacity)
		return nil
	},
}

func init() {
	remoteCmd.PersistentFlags().StringVar(&remoteServer, "server", "http://localhost:8080", "cube-server base URL")
	remoteCmd.PersistentFlags().StringVar(&remoteToken, "token", "", "bearer token (default: $CUBE_TOKEN)")
	remoteCmd.PersistentFlags().DurationVar(&remoteTimeout, "timeout", 30*time.Second, "request timeout")

	remoteCmd.AddCommand(remoteQueryCmd)
	remoteCmd.AddCommand(remoteHealthCmd)

	remoteHistoryCmd.Flags().Uint64Var(&historyEpoch, "epoch", 0, "show only this epoch")
	remoteHistoryCmd.Flags().DurationVar(&historySince, "since", 0, "show mutations newer than this age")
	remoteCmd.AddCommand(remoteHistoryCmd)
	rootCmd.AddCommand(remoteCmd)
}

func newRemoteClient() *client.Client {
	token := remoteToken
	if token == "" {
		token = os.Getenv("CUBE_TOKEN")
	}
	cfg := client.DefaultClientConfig()
	cfg.BaseURL = remoteServer
	cfg.Token = token
	cfg.Timeout = remoteTimeout
	return client.NewClient(cfg)
}
