package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/starwalkn/edge/internal/deploy"
)

var releasesLimit int

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List published releases and invalidation batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if cfg.Deploy.Root == "" {
			return errors.New("deploy.root is not configured")
		}

		ledger, err := deploy.OpenLedger(filepath.Join(cfg.Deploy.Root, ledgerFile))
		if err != nil {
			return err
		}
		defer ledger.Close()

		releases, err := ledger.Releases(releasesLimit)
		if err != nil {
			return err
		}

		invalidations, err := ledger.Invalidations(releasesLimit)
		if err != nil {
			return err
		}

		current := ""
		if p, err := deploy.NewDirPublisher(cfg.Deploy.Root, 1, cfg.Deploy.Keep, zap.NewNop()); err == nil {
			current, _ = p.Current()
		}

		rows := make([][]string, 0, len(releases))
		for _, r := range releases {
			marker := ""
			if r.Version == current {
				marker = "*"
			}

			rows = append(rows, []string{
				marker,
				r.Version,
				r.CreatedAt.Local().Format(time.DateTime),
				strconv.Itoa(r.Files),
				strconv.FormatInt(r.Bytes, 10),
				r.Digest,
			})
		}

		fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("releases"))
		fmt.Fprintln(cmd.OutOrStdout(), newTable("", "VERSION", "CREATED", "FILES", "BYTES", "DIGEST").Rows(rows...).Render())

		rows = make([][]string, 0, len(invalidations))
		for _, inv := range invalidations {
			rows = append(rows, []string{
				inv.ID,
				inv.CreatedAt.Local().Format(time.DateTime),
				strings.Join(inv.Patterns, " "),
				strconv.Itoa(inv.Removed),
			})
		}

		fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("invalidations"))
		fmt.Fprintln(cmd.OutOrStdout(), newTable("BATCH", "CREATED", "PATTERNS", "REMOVED").Rows(rows...).Render())

		return nil
	},
}

func init() {
	releasesCmd.Flags().IntVarP(&releasesLimit, "limit", "n", 10, "number of entries to show, 0 for all")
	rootCmd.AddCommand(releasesCmd)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}

			return cellStyle
		})
}
