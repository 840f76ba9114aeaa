package extractor

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	goexcel "github.com/VantageDataChat/GoExcel"
	goppt "github.com/VantageDataChat/GoPPT"
	goword "github.com/VantageDataChat/GoWord"
	"github.com/richardlehane/mscfb"
	"github.com/shakinm/xlsReader/xls"
)

// extractDOCX extracts the body text of a modern Word document.
func extractDOCX(data []byte) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = fmt.Errorf("docx parse panic: %v", r)
		}
	}()

	doc, err := goword.OpenFromBytes(data)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	return cleanText(doc.ExtractText()), nil
}

// extractXLSX extracts every non-empty cell of a modern Excel workbook,
// one line per cell formatted as "SheetName-Row,Col: value".
func extractXLSX(data []byte) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = fmt.Errorf("xlsx parse panic: %v", r)
		}
	}()

	reader := goexcel.NewXLSXReader()
	wb, err := reader.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}

	var sb strings.Builder
	for _, name := range wb.GetSheetNames() {
		sheet, err := wb.GetSheetByName(name)
		if err != nil {
			continue
		}
		rows, err := sheet.RowIterator()
		if err != nil {
			continue
		}
		for rowIdx, row := range rows {
			for _, cell := range row {
				if cell == nil || cell.IsEmpty() {
					continue
				}
				val := cell.GetFormattedValue()
				if val == "" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				fmt.Fprintf(&sb, "%s-%d,%d: %s", name, rowIdx+1, cell.Col()+1, val)
			}
		}
	}
	return cleanText(sb.String()), nil
}

// extractPPTX extracts each slide's text, labeled by slide number.
func extractPPTX(data []byte) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = fmt.Errorf("pptx parse panic: %v", r)
		}
	}()

	pres, err := goppt.ReadFrom(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pptx: %w", err)
	}
	defer pres.Close()

	var sb strings.Builder
	for i, slide := range pres.Slides() {
		text := slide.ExtractText()
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Slide %d:\n%s", i+1, text)
	}
	return cleanText(sb.String()), nil
}

// extractXLSLegacy extracts cell text from a legacy BIFF .xls workbook.
func extractXLSLegacy(data []byte) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = fmt.Errorf("xls parse panic: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xls: %w", err)
	}

	var sb strings.Builder
	numSheets := wb.GetNumberSheets()
	for i := 0; i < numSheets; i++ {
		sheet, err := wb.GetSheet(i)
		if err != nil {
			continue
		}
		name := sheet.GetName()
		for rowIdx := 0; rowIdx < sheet.GetNumberRows(); rowIdx++ {
			row, err := sheet.GetRow(rowIdx)
			if err != nil || row == nil {
				continue
			}
			for colIdx, cell := range row.GetCols() {
				val := strings.TrimSpace(cell.GetString())
				if val == "" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				fmt.Fprintf(&sb, "%s-%d,%d: %s", name, rowIdx+1, colIdx+1, val)
			}
		}
	}
	return cleanText(sb.String()), nil
}

// extractDOCLegacy extracts text from a legacy OLE2 .doc file's
// WordDocument stream via a best-effort printable-run scan, the same
// fallback strategy used when the piece table can't be located. Word
// field-code markers that leak through (HYPERLINK, PAGEREF, and the
// like) are filtered out line by line.
func extractDOCLegacy(data []byte) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = fmt.Errorf("doc parse panic: %v", r)
		}
	}()

	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open doc: %w", err)
	}

	var wordDocData []byte
	for {
		entry, nextErr := doc.Next()
		if nextErr != nil {
			break
		}
		if entry.Name == "WordDocument" {
			wordDocData, _ = io.ReadAll(entry)
		}
	}
	if len(wordDocData) == 0 {
		return "", fmt.Errorf("doc file has no WordDocument stream")
	}

	text := filterWordFieldCodes(scanPrintableRuns(wordDocData))
	text = cleanText(text)
	if text == "" {
		return "", fmt.Errorf("doc file has no extractable text")
	}
	return text, nil
}

// scanPrintableRuns extracts runs of printable ASCII from a Word binary
// stream, inserting a line break between runs. It is a best-effort
// fallback that does not parse the FIB or piece table, so formatting
// and paragraph boundaries are approximate.
func scanPrintableRuns(wordDoc []byte) string {
	var sb strings.Builder
	inText := false
	for _, b := range wordDoc {
		switch {
		case b >= 0x20 && b < 0x7F:
			sb.WriteByte(b)
			inText = true
		case b == 0x0A || b == 0x0D || b == 0x09:
			if b != 0x09 {
				sb.WriteByte('\n')
			}
			inText = true
		default:
			if inText && sb.Len() > 0 {
				if last := sb.String(); last[len(last)-1] != '\n' {
					sb.WriteByte('\n')
				}
			}
			inText = false
		}
	}
	return sb.String()
}

// wordFieldCodePatterns are internal Word field-code markers that leak
// through a raw byte scan and add noise to extracted text.
var wordFieldCodePatterns = []string{
	"HYPERLINK",
	"PAGEREF",
	"MERGEFORMAT",
	"TOC \\o",
	"TOC \\h",
}

func filterWordFieldCodes(text string) string {
	lines := strings.Split(text, "\n")
	filtered := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		isFieldCode := false
		for _, pat := range wordFieldCodePatterns {
			if strings.Contains(trimmed, pat) {
				isFieldCode = true
				break
			}
		}
		if !isFieldCode {
			filtered = append(filtered, line)
		}
	}
	return strings.Join(filtered, "\n")
}
