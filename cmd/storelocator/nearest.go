package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/kass/store-locator/pkg/locator"
	"github.com/kass/store-locator/pkg/models"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6"))

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BE9FD"))

	distanceStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))
)

var (
	queryLat   float64
	queryLon   float64
	queryLimit int
	jsonOutput bool
)

var nearestCmd = &cobra.Command{
	Use:   "nearest",
	Short: "Print the stores nearest to a coordinate",
	Long:  `Rank stores from the configured candidate source by distance from --lat/--lon.`,
	RunE:  runNearest,
}

func init() {
	nearestCmd.Flags().Float64Var(&queryLat, "lat", 0, "Query latitude")
	nearestCmd.Flags().Float64Var(&queryLon, "lon", 0, "Query longitude")
	nearestCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "Number of stores (0 uses locator.limit)")
	nearestCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the HTTP wire format")
	nearestCmd.MarkFlagRequired("lat")
	nearestCmd.MarkFlagRequired("lon")
}

func runNearest(cmd *cobra.Command, args []string) error {
	b, err := openBackend(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	service := locator.NewService(b.source, cfg.Locator.Limit, log)
	stores, err := service.Nearest(cmd.Context(), queryLat, queryLon, queryLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case jsonOutput:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stores)
	case isTerminal(out):
		printStyled(out, stores)
		return nil
	default:
		return printPlain(out, stores)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func printStyled(w io.Writer, stores []models.RankedStore) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Nearest stores to %.5f, %.5f", queryLat, queryLon)))
	if len(stores) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no stores found"))
		return
	}
	for i, s := range stores {
		fmt.Fprintf(w, "%s %s %s\n",
			dimStyle.Render(fmt.Sprintf("%2d.", i+1)),
			nameStyle.Render(s.Title),
			distanceStyle.Render(fmt.Sprintf("%.2f km", s.Distance)),
		)
		if s.Address != nil {
			fmt.Fprintf(w, "    %s\n", dimStyle.Render(*s.Address))
		}
	}
}

func printPlain(w io.Writer, stores []models.RankedStore) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tID\tTITLE\tDISTANCE_KM\tADDRESS")
	for i, s := range stores {
		address := ""
		if s.Address != nil {
			address = *s.Address
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%s\n", i+1, s.ID, s.Title, s.Distance, address)
	}
	return tw.Flush()
}
