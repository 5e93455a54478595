package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"group-exchange-server/models"
)

// Workbook sheet names
const (
	StudentsSheet = "Students"
	RequestsSheet = "Requests"
	LogsSheet     = "Logs"
	MessagesSheet = "Messages"
)

// ImportRow is one data row read from a student sheet
type ImportRow struct {
	Row     int // 1-based spreadsheet row
	Student models.Student
	Err     error // Set when the row could not be parsed
}

// ReadStudentRows reads students from the first sheet of an Excel file.
// Row 1 is a header and its width picks the layout: four or more
// non-blank header cells mean FirstName, LastName, Gender, Group, fewer
// mean Name, Gender, Group. Header text is not inspected.
func ReadStudentRows(file io.Reader) ([]ImportRow, error) {
	f, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open excel file: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, errors.New("excel file does not contain any sheets")
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows from sheet %s: %w", sheetName, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	withLastName := headerWidth(rows[0]) >= 4

	out := make([]ImportRow, 0, len(rows)-1)
	for i, row := range rows {
		if i == 0 {
			continue // Skip header row
		}
		if isBlankRow(row) {
			continue
		}
		cell := func(idx int) string {
			if idx < len(row) {
				return strings.TrimSpace(row[idx])
			}
			return ""
		}

		var s models.Student
		col := 0
		s.FirstName = cell(col)
		col++
		if withLastName {
			s.LastName = cell(col)
			col++
		}
		s.Gender = models.Gender(cell(col))
		col++

		r := ImportRow{Row: i + 1, Student: s}
		groupText := cell(col)
		group, err := strconv.Atoi(groupText)
		if err != nil {
			r.Err = fmt.Errorf("%w: %q", models.ErrInvalidGroup, groupText)
		} else {
			r.Student.Group = group
		}
		out = append(out, r)
	}
	return out, nil
}

func headerWidth(header []string) int {
	n := 0
	for _, c := range header {
		if strings.TrimSpace(c) != "" {
			n++
		}
	}
	return n
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// WriteWorkbook writes snap as an .xlsx with one sheet per record type
func WriteWorkbook(w io.Writer, snap models.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), StudentsSheet); err != nil {
		return fmt.Errorf("failed to name students sheet: %w", err)
	}
	for _, name := range []string{RequestsSheet, LogsSheet, MessagesSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	students := [][]interface{}{{"FirstName", "LastName", "Gender", "Group"}}
	for _, s := range snap.Students {
		students = append(students, []interface{}{s.FirstName, s.LastName, string(s.Gender), s.Group})
	}
	requests := [][]interface{}{{"Name", "TargetGroup"}}
	for _, r := range snap.Requests {
		requests = append(requests, []interface{}{r.Student, r.TargetGroup})
	}
	logs := [][]interface{}{{"Date", "Action", "Student1", "Student2"}}
	for _, e := range snap.Logs {
		logs = append(logs, []interface{}{e.Date, e.Action, e.Student1, e.Student2})
	}
	messages := [][]interface{}{{"Date", "Message"}}
	for _, m := range snap.Messages {
		messages = append(messages, []interface{}{m.Date, m.Message})
	}

	sheets := []struct {
		name string
		rows [][]interface{}
	}{
		{StudentsSheet, students},
		{RequestsSheet, requests},
		{LogsSheet, logs},
		{MessagesSheet, messages},
	}
	for _, sh := range sheets {
		if err := writeRows(f, sh.name, sh.rows); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		row := row
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d of sheet %s: %w", i+1, sheet, err)
		}
	}
	return nil
}
