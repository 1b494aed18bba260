package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	commands "homepi-cloud/internal/commands/domain"
)

// BuildHistoryPDF renders a command history report for one device.
func BuildHistoryPDF(serial string, items []commands.Command) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Command History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", serial))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(34, 6, "Req ID", "1", 0, "C", false, 0, "")
	pdf.CellFormat(38, 6, "Command", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(44, 6, "Created", "1", 0, "C", false, 0, "")
	pdf.CellFormat(44, 6, "Finished", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, item := range items {
		finished := ""
		if !item.FinishedAt.IsZero() {
			finished = item.FinishedAt.UTC().Format(time.RFC3339)
		}
		pdf.CellFormat(34, 6, item.ReqID, "1", 0, "C", false, 0, "")
		pdf.CellFormat(38, 6, item.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 6, item.Status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(44, 6, item.CreatedAt.UTC().Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(44, 6, finished, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryXLSX renders a command history workbook for one device.
func BuildHistoryXLSX(serial string, items []commands.Command) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "commands"
	f.SetSheetName("Sheet1", sheet)

	_ = f.SetCellValue(sheet, "A1", "Device")
	_ = f.SetCellValue(sheet, "B1", serial)

	_ = f.SetCellValue(sheet, "A3", "Req ID")
	_ = f.SetCellValue(sheet, "B3", "Command")
	_ = f.SetCellValue(sheet, "C3", "Status")
	_ = f.SetCellValue(sheet, "D3", "Result")
	_ = f.SetCellValue(sheet, "E3", "Created")
	_ = f.SetCellValue(sheet, "F3", "Taken")
	_ = f.SetCellValue(sheet, "G3", "Finished")
	for i, item := range items {
		row := i + 4
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), item.ReqID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), item.Name)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), item.Status)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), item.Result)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), item.CreatedAt.UTC().Format(time.RFC3339))
		if !item.TakenAt.IsZero() {
			_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), item.TakenAt.UTC().Format(time.RFC3339))
		}
		if !item.FinishedAt.IsZero() {
			_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", row), item.FinishedAt.UTC().Format(time.RFC3339))
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
