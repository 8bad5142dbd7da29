package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/avitran/tripsync/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export trips and expenses for a period",
}

func exportPeriod(cmd *cobra.Command) (export.Period, error) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")

	from, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return export.Period{}, fmt.Errorf("invalid --from date: %w", err)
	}
	var to time.Time
	if toStr == "" {
		to = time.Now().UTC()
	} else {
		to, err = time.Parse("2006-01-02", toStr)
		if err != nil {
			return export.Period{}, fmt.Errorf("invalid --to date: %w", err)
		}
		to = to.AddDate(0, 0, 1) // inclusive end date
	}
	return export.Period{From: from, To: to}, nil
}

func exportTo(cmd *cobra.Command, run func(svc *export.Service, out *os.File, p export.Period) error) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := exportPeriod(cmd)
	if err != nil {
		return err
	}

	outPath, _ := cmd.Flags().GetString("out")
	out := os.Stdout
	if outPath != "" {
		out, err = os.Create(outPath)
		if err != nil {
			return err
		}
		defer out.Close()
	}
	return run(export.NewService(a.repo), out, p)
}

var exportTripsCmd = &cobra.Command{
	Use:   "trips",
	Short: "Export trips as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportTo(cmd, func(svc *export.Service, out *os.File, p export.Period) error {
			return svc.WriteTripsCSV(cmd.Context(), out, p)
		})
	},
}

var exportExpensesCmd = &cobra.Command{
	Use:   "expenses",
	Short: "Export expenses as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportTo(cmd, func(svc *export.Service, out *os.File, p export.Period) error {
			return svc.WriteExpensesCSV(cmd.Context(), out, p)
		})
	},
}

var exportReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export a combined PDF report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportTo(cmd, func(svc *export.Service, out *os.File, p export.Period) error {
			return svc.WriteReportPDF(cmd.Context(), out, p)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{exportTripsCmd, exportExpensesCmd, exportReportCmd} {
		c.Flags().String("from", time.Now().UTC().AddDate(0, -1, 0).Format("2006-01-02"), "period start (YYYY-MM-DD)")
		c.Flags().String("to", "", "period end, inclusive (YYYY-MM-DD, default today)")
		c.Flags().String("out", "", "output file (default stdout)")
		exportCmd.AddCommand(c)
	}
	rootCmd.AddCommand(exportCmd)
}
