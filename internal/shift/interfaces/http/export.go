package http

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alerts "hospital-pager/internal/alerts/domain"
	shift "hospital-pager/internal/shift/domain"
)

// BuildHandoverPDF renders a handover report.
func BuildHandoverPDF(record *shift.HandoverRecord, open []alerts.Alert) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Shift Handover")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Handover: %s", record.ID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Scope: %s", record.HospitalScopeID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("From: %s", record.FromUserID))
	pdf.Ln(5)
	if !record.ShiftStart.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Shift: %s - %s", record.ShiftStart.Format(time.RFC3339), record.ShiftEnd.Format(time.RFC3339)))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Created: %s", record.CreatedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.Cell(0, 6, "Notes")
	pdf.Ln(6)
	pdf.SetFont("Arial", "", 10)
	pdf.MultiCell(0, 5, record.Notes, "", "L", false)
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Alert", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Urgency", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(15, 6, "Tier", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Room", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, row := range handoverRows(record, open) {
		pdf.CellFormat(60, 6, row.id, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, row.urgency, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, row.status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(15, 6, row.tier, "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, row.room, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHandoverXLSX renders a handover report workbook.
func BuildHandoverXLSX(record *shift.HandoverRecord, open []alerts.Alert) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "handover"
	alertsSheet := "alerts"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(alertsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Shift Handover")
	_ = f.SetCellValue(summarySheet, "A3", "Handover")
	_ = f.SetCellValue(summarySheet, "B3", record.ID)
	_ = f.SetCellValue(summarySheet, "A4", "Scope")
	_ = f.SetCellValue(summarySheet, "B4", record.HospitalScopeID)
	_ = f.SetCellValue(summarySheet, "A5", "From")
	_ = f.SetCellValue(summarySheet, "B5", record.FromUserID)
	_ = f.SetCellValue(summarySheet, "A6", "Shift start")
	_ = f.SetCellValue(summarySheet, "B6", formatTime(record.ShiftStart))
	_ = f.SetCellValue(summarySheet, "A7", "Shift end")
	_ = f.SetCellValue(summarySheet, "B7", formatTime(record.ShiftEnd))
	_ = f.SetCellValue(summarySheet, "A8", "Created")
	_ = f.SetCellValue(summarySheet, "B8", formatTime(record.CreatedAt))
	_ = f.SetCellValue(summarySheet, "A9", "Notes")
	_ = f.SetCellValue(summarySheet, "B9", record.Notes)

	_ = f.SetCellValue(alertsSheet, "A1", "Alert")
	_ = f.SetCellValue(alertsSheet, "B1", "Urgency")
	_ = f.SetCellValue(alertsSheet, "C1", "Status")
	_ = f.SetCellValue(alertsSheet, "D1", "Tier")
	_ = f.SetCellValue(alertsSheet, "E1", "Room")
	for i, row := range handoverRows(record, open) {
		n := i + 2
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("A%d", n), row.id)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("B%d", n), row.urgency)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("C%d", n), row.status)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("D%d", n), row.tier)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("E%d", n), row.room)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type handoverRow struct {
	id      string
	urgency string
	status  string
	tier    string
	room    string
}

// handoverRows lists every alert handed over; alerts resolved since have no live data.
func handoverRows(record *shift.HandoverRecord, open []alerts.Alert) []handoverRow {
	byID := make(map[string]alerts.Alert, len(open))
	for _, alert := range open {
		byID[alert.ID] = alert
	}
	rows := make([]handoverRow, 0, len(record.UnresolvedAlertIDs))
	for _, id := range record.UnresolvedAlertIDs {
		row := handoverRow{id: id, status: string(alerts.StatusResolved)}
		if alert, ok := byID[id]; ok {
			row.urgency = string(alert.Urgency)
			row.status = string(alert.Status)
			row.tier = fmt.Sprintf("%d", alert.EscalationTier)
			row.room = strings.TrimSpace(alert.Room)
		}
		rows = append(rows, row)
	}
	return rows
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.Format(time.RFC3339)
}
