package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/starwalkn/edge"
	"github.com/starwalkn/edge/internal/metric"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	defaultStyle = cellStyle.Foreground(lipgloss.Color("11"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
)

var vizCmd = &cobra.Command{
	Use:   "viz",
	Short: "Show the compiled behavior table in match order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Compiling checks what validation alone cannot: origins, error pages, bindings.
		router, err := edge.NewRouter(context.Background(), cfg, nil, metric.NewNop(), zap.NewNop())
		if err != nil {
			return err
		}
		defer router.Close()

		return visualize(cmd.OutOrStdout(), cfg, router)
	},
}

func init() {
	rootCmd.AddCommand(vizCmd)
}

func visualize(w io.Writer, cfg edge.Config, router *edge.Router) error {
	t := router.Table()
	rows := make([][]string, 0, len(t.Behaviors()))

	for _, b := range t.Behaviors() {
		rewrite := "-"
		if b.Rewrite != nil {
			rewrite = b.Rewrite.ID
		}

		rows = append(rows, []string{
			b.Pattern,
			b.Specificity().String(),
			describeTarget(b.Target),
			b.CachePolicy.ID + " (" + b.CachePolicy.Class.String() + ")",
			rewrite,
			b.AllowedMethods.Header(),
		})
	}

	last := len(rows) - 1

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("PATTERN", "SPECIFICITY", "TARGET", "CACHE", "REWRITE", "METHODS").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch row {
			case table.HeaderRow:
				return headerStyle
			case last:
				return defaultStyle
			default:
				return cellStyle
			}
		})

	if _, err := fmt.Fprintln(w, titleStyle.Render(cfg.Name+" behaviors")); err != nil {
		return err
	}

	if _, err := fmt.Fprintln(w, tbl.Render()); err != nil {
		return err
	}

	if cfg.Normalize != "" {
		fmt.Fprintf(w, "viewer rewrite: %s\n", cfg.Normalize)
	}

	for _, p := range router.ErrorMapper().Pages() {
		fmt.Fprintf(w, "error response: %d -> %d %s (from %s)\n", p.Status, p.ResponseStatus, p.Page, p.Origin.ID())
	}

	return nil
}

func describeTarget(g *edge.OriginGroup) string {
	if g.Fallback == nil {
		return g.Primary.ID()
	}

	triggers := make([]string, 0, len(g.Triggers))
	for _, s := range g.Triggers {
		triggers = append(triggers, strconv.Itoa(s))
	}

	if g.FallbackOnTimeout {
		triggers = append(triggers, "timeout")
	}

	return fmt.Sprintf("%s: %s -> %s [%s]", g.ID, g.Primary.ID(), g.Fallback.ID(), strings.Join(triggers, ","))
}
