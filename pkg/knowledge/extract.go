package knowledge

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
)

// Extract pulls plain text out of an uploaded file, dispatching on the
// file extension. Markdown and unknown extensions pass through as text.
func Extract(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return extractPDF(data)
	case ".docx":
		return extractDocx(data)
	case ".xlsx":
		return extractXlsx(data)
	default:
		if !utf8.Valid(data) {
			return "", fault.New(fault.Malformed, "knowledge.Extract",
				fmt.Sprintf("file %s is not valid text", name))
		}
		return string(data), nil
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fault.Wrap(fault.Malformed, "knowledge.Extract", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func extractDocx(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fault.Wrap(fault.Malformed, "knowledge.Extract", err)
	}
	defer doc.Close()

	return doc.Editable().GetContent(), nil
}

func extractXlsx(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fault.Wrap(fault.Malformed, "knowledge.Extract", err)
	}
	defer f.Close()

	var parts []string
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}

		var sheet strings.Builder
		sheet.WriteString(sheetName + "\n")
		for _, row := range rows {
			var cells []string
			for _, cell := range row {
				if text := strings.TrimSpace(cell); text != "" {
					cells = append(cells, text)
				}
			}
			if len(cells) > 0 {
				sheet.WriteString(strings.Join(cells, "\t") + "\n")
			}
		}
		parts = append(parts, sheet.String())
	}
	return strings.Join(parts, "\n\n"), nil
}
