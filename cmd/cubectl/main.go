package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cube-engine/internal/auth"
	"cube-engine/internal/cube"
	"cube-engine/internal/logger"
	"cube-engine/internal/storage/block"
)

var (
	definitionPath string
	dataDir        string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "cubectl",
	Short: "Cube engine command-line interface",
	Long: `A command-line interface for loading a cube from its YAML definition,
inspecting its schema and running queries against it.`,
	SilenceUsage: true,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the fields declared by a cube definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCube(cmd.Context())
		if err != nil {
			return err
		}
		info := c.Schema()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "📋 Cube %s (schema version %d)\n", c.Name(), info.Version)

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tTYPE\tAGGREGATION\tDEFINITION")
		for _, f := range info.Fields {
			def := f.Expression
			if len(f.Levels) > 0 {
				def = strings.Join(f.Levels, " > ")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Name, f.Kind, f.Type, f.Aggregation, def)
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row, batch and mutation statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCube(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "📊 Cube %s:\n", c.Name())
		fmt.Fprintf(out, "  Rows: %d\n", c.RowCount())
		fmt.Fprintf(out, "  Batches: %d\n", c.BatchCount())
		fmt.Fprintf(out, "  Epoch: %d\n", c.Epoch())
		hs := c.HistoryStats()
		fmt.Fprintf(out, "  Mutations (%d/%d retained, %d rows affected):\n", hs.Count, hs.Capacity, hs.RowsAffected)
		for _, m := range c.History() {
			fmt.Fprintf(out, "    #%d %s rows_affected=%d rows_after=%d batches_after=%d\n",
				m.Epoch, m.Kind, m.RowsAffected, m.RowsAfter, m.BatchesAfter)
		}
		return nil
	},
}

var (
	tokenSecret      string
	tokenIssuer      string
	tokenSubject     string
	tokenPermissions []string
	tokenTTL         time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a JWT for the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = os.Getenv("JWT_SECRET")
		}
		if tokenSecret == "" {
			return fmt.Errorf("--secret or JWT_SECRET is required")
		}
		tm := auth.NewTokenManager([]byte(tokenSecret), tokenIssuer, tokenTTL)
		token, err := tm.GenerateJWT(tokenSubject, tokenPermissions, 0)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&definitionPath, "definition", "d", "cube.yaml", "cube definition file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory source paths are relative to (default: the definition's directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HS256 signing secret (default: $JWT_SECRET)")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "cube-engine", "token issuer")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cubectl", "token subject")
	tokenCmd.Flags().StringSliceVar(&tokenPermissions, "permissions", []string{auth.PermissionRead}, "granted permissions")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadCube builds the cube described by --definition, reading its sources
// from --data-dir
func loadCube(ctx context.Context) (*cube.Cube, error) {
	log, err := logger.New(logLevel, "text")
	if err != nil {
		return nil, err
	}
	def, err := cube.LoadDefinition(definitionPath)
	if err != nil {
		return nil, err
	}
	dir := dataDir
	if dir == "" {
		dir = filepath.Dir(definitionPath)
	}
	storage, err := block.NewLocalFS(block.Config{Type: "local", BaseDir: dir})
	if err != nil {
		return nil, err
	}
	opts := cube.DefaultOptions()
	opts.Logger = log
	return def.Build(ctx, opts, storage)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}
