package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alerting "infrawatch/internal/alerting/domain"
)

// BuildAlertsXLSX renders alerts and their history as a workbook.
func BuildAlertsXLSX(alerts []alerting.Alert) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	alertsSheet := "alerts"
	historySheet := "history"
	if err := f.SetSheetName("Sheet1", alertsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(historySheet); err != nil {
		return nil, err
	}

	headers := []string{"ID", "Rule", "Name", "Severity", "Status", "Resource", "Resource Type", "Value", "Threshold", "Created", "Last Seen", "Acknowledged By", "Resolved By", "Resolution"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(alertsSheet, cell, h)
	}
	_ = f.SetCellValue(historySheet, "A1", "Alert ID")
	_ = f.SetCellValue(historySheet, "B1", "Timestamp")
	_ = f.SetCellValue(historySheet, "C1", "Status")
	_ = f.SetCellValue(historySheet, "D1", "Value")

	historyRow := 2
	for i, alert := range alerts {
		row := i + 2
		values := []any{
			alert.ID, alert.RuleID, alert.Name, string(alert.Severity), string(alert.Status),
			alert.ResourceID, alert.ResourceType, alert.Value, alert.Threshold.String(),
			alert.CreatedAt.Format(time.RFC3339), alert.LastSeenAt.Format(time.RFC3339),
			alert.AcknowledgedBy, alert.ResolvedBy, alert.Resolution,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(alertsSheet, cell, v)
		}
		for _, entry := range alert.History {
			_ = f.SetCellValue(historySheet, fmt.Sprintf("A%d", historyRow), alert.ID)
			_ = f.SetCellValue(historySheet, fmt.Sprintf("B%d", historyRow), entry.Timestamp.Format(time.RFC3339))
			_ = f.SetCellValue(historySheet, fmt.Sprintf("C%d", historyRow), string(entry.Status))
			_ = f.SetCellValue(historySheet, fmt.Sprintf("D%d", historyRow), entry.Value)
			historyRow++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlertPDF renders a one-alert incident report.
func BuildAlertPDF(alert alerting.Alert, related []alerting.Insight) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, tr("Alert Report: "+alert.Name))
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	line := func(format string, args ...any) {
		pdf.Cell(0, 6, tr(fmt.Sprintf(format, args...)))
		pdf.Ln(5)
	}
	line("ID: %s", alert.ID)
	line("Rule: %s", alert.RuleID)
	line("Severity: %s", alert.Severity)
	line("Status: %s", alert.Status)
	line("Resource: %s (%s)", alert.ResourceID, alert.ResourceType)
	line("Value: %.4g (threshold %s)", alert.Value, alert.Threshold)
	line("Created: %s", alert.CreatedAt.Format(time.RFC3339))
	line("Last seen: %s", alert.LastSeenAt.Format(time.RFC3339))
	if alert.AcknowledgedAt != nil {
		line("Acknowledged: %s by %s", alert.AcknowledgedAt.Format(time.RFC3339), alert.AcknowledgedBy)
		if alert.Comment != "" {
			line("Comment: %s", alert.Comment)
		}
	}
	if alert.ResolvedAt != nil {
		line("Resolved: %s by %s", alert.ResolvedAt.Format(time.RFC3339), alert.ResolvedBy)
		if alert.Resolution != "" {
			line("Resolution: %s", alert.Resolution)
		}
		if alert.RootCause != "" {
			line("Root cause: %s", alert.RootCause)
		}
	}
	if alert.Description != "" {
		pdf.Ln(2)
		pdf.MultiCell(0, 5, tr(alert.Description), "", "L", false)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, entry := range alert.History {
		pdf.CellFormat(50, 6, entry.Timestamp.Format("2006-01-02 15:04:05"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, string(entry.Status), "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%.4g", entry.Value), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	if len(related) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Arial", "B", 11)
		pdf.Cell(0, 6, "Insights")
		pdf.Ln(7)
		pdf.SetFont("Arial", "", 10)
		for _, insight := range related {
			text := fmt.Sprintf("[%s, %.0f%%] %s", insight.Type, insight.Confidence*100, insight.Description)
			pdf.MultiCell(0, 5, tr(text), "", "L", false)
			pdf.Ln(1)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
