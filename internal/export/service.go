// Package export renders trip and expense reports for a period. Export
// reads the store as-is and never touches sync state; unsynced records
// are included and flagged so a report is honest about what the server
// has not confirmed yet.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/avitran/tripsync/internal/db"
	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/logging"
	"github.com/avitran/tripsync/internal/models"
)

// Period bounds an export, inclusive start, exclusive end.
type Period struct {
	From time.Time
	To   time.Time
}

// Service renders reports from the local store.
type Service struct {
	repo *db.Repository
	log  *logging.Logger
}

// NewService creates the export service.
func NewService(repo *db.Repository) *Service {
	return &Service{repo: repo, log: logging.Get()}
}

func (s *Service) load(ctx context.Context, p Period) ([]*models.Trip, []*models.Expense, error) {
	trips, err := s.repo.ListTrips(ctx, p.From.UnixMilli(), p.To.UnixMilli(), 0, 0)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrExportFailed, "load trips", err)
	}
	expenses, err := s.repo.ListExpenses(ctx, p.From.UnixMilli(), p.To.UnixMilli(), 0, 0)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrExportFailed, "load expenses", err)
	}
	return trips, expenses, nil
}

func euros(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}

func dateOf(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02")
}

// WriteTripsCSV writes the period's trips as CSV.
func (s *Service) WriteTripsCSV(ctx context.Context, w io.Writer, p Period) error {
	trips, _, err := s.load(ctx, p)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := []string{"date", "vehicle_id", "distance_km", "purpose", "amount_eur", "auto_tracked", "note", "sync_status"}
	if err := cw.Write(header); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "write csv header", err)
	}
	for _, t := range trips {
		row := []string{
			dateOf(t.StartedAt),
			t.VehicleID.String(),
			strconv.FormatFloat(t.DistanceKm, 'f', 1, 64),
			t.Purpose,
			euros(t.AmountCents),
			strconv.FormatBool(t.AutoTracked),
			t.Note,
			string(t.SyncStatus),
		}
		if err := cw.Write(row); err != nil {
			return apperrors.Wrap(apperrors.ErrExportFailed, "write csv row", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "flush csv", err)
	}
	s.log.Info("trips csv exported", logging.Fields{"rows": len(trips)})
	return nil
}

// WriteExpensesCSV writes the period's expenses as CSV.
func (s *Service) WriteExpensesCSV(ctx context.Context, w io.Writer, p Period) error {
	_, expenses, err := s.load(ctx, p)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := []string{"date", "category", "amount", "currency", "trip_id", "note", "sync_status"}
	if err := cw.Write(header); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "write csv header", err)
	}
	for _, e := range expenses {
		tripID := ""
		if e.TripID != nil {
			tripID = e.TripID.String()
		}
		row := []string{
			dateOf(e.IncurredAt),
			e.Category,
			euros(e.AmountCents),
			e.Currency,
			tripID,
			e.Note,
			string(e.SyncStatus),
		}
		if err := cw.Write(row); err != nil {
			return apperrors.Wrap(apperrors.ErrExportFailed, "write csv row", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "flush csv", err)
	}
	s.log.Info("expenses csv exported", logging.Fields{"rows": len(expenses)})
	return nil
}

// WriteReportPDF renders a combined trip and expense report for the
// period as a PDF.
func (s *Service) WriteReportPDF(ctx context.Context, w io.Writer, p Period) error {
	trips, expenses, err := s.load(ctx, p)
	if err != nil {
		return err
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Trip and expense report", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Trip and expense report")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 8, fmt.Sprintf("Period: %s to %s",
		p.From.UTC().Format("2006-01-02"), p.To.UTC().Format("2006-01-02")))
	pdf.Ln(12)

	var tripTotal, expenseTotal int64

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Trips")
	pdf.Ln(8)
	s.pdfTableHeader(pdf, []string{"Date", "Distance (km)", "Purpose", "Amount (EUR)"}, []float64{30, 35, 40, 35})
	pdf.SetFont("Helvetica", "", 10)
	for _, t := range trips {
		pdf.CellFormat(30, 7, dateOf(t.StartedAt), "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 7, strconv.FormatFloat(t.DistanceKm, 'f', 1, 64), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 7, t.Purpose, "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 7, euros(t.AmountCents), "1", 1, "R", false, 0, "")
		tripTotal += t.AmountCents
	}
	s.pdfTotalRow(pdf, "Allowance total", tripTotal, 105, 35)
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Expenses")
	pdf.Ln(8)
	s.pdfTableHeader(pdf, []string{"Date", "Category", "Amount", "Currency"}, []float64{30, 45, 35, 30})
	pdf.SetFont("Helvetica", "", 10)
	for _, e := range expenses {
		pdf.CellFormat(30, 7, dateOf(e.IncurredAt), "1", 0, "L", false, 0, "")
		pdf.CellFormat(45, 7, e.Category, "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 7, euros(e.AmountCents), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 7, e.Currency, "1", 1, "L", false, 0, "")
		expenseTotal += e.AmountCents
	}
	s.pdfTotalRow(pdf, "Expense total", expenseTotal, 110, 30)

	if err := pdf.Output(w); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "render pdf", err)
	}
	s.log.Info("pdf report exported", logging.Fields{"trips": len(trips), "expenses": len(expenses)})
	return nil
}

func (s *Service) pdfTableHeader(pdf *gofpdf.Fpdf, labels []string, widths []float64) {
	pdf.SetFont("Helvetica", "B", 10)
	for i, label := range labels {
		pdf.CellFormat(widths[i], 7, label, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)
}

func (s *Service) pdfTotalRow(pdf *gofpdf.Fpdf, label string, cents int64, labelWidth, amountWidth float64) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(labelWidth, 7, label, "1", 0, "R", false, 0, "")
	pdf.CellFormat(amountWidth, 7, euros(cents), "1", 1, "R", false, 0, "")
}
