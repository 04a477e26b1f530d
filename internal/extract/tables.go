package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxTables caps how many tables are appended to the markdown output.
const maxTables = 3

// renderTables converts up to maxTables of the document's tables into
// GitHub-style pipe tables, joined by blank lines.
func renderTables(doc *goquery.Document) string {
	var rendered []string

	doc.Find("table").EachWithBreak(func(i int, table *goquery.Selection) bool {
		if i >= maxTables {
			return false
		}
		if md := renderTable(table); md != "" {
			rendered = append(rendered, md)
		}
		return true
	})

	return strings.Join(rendered, "\n\n")
}

func renderTable(table *goquery.Selection) string {
	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
			text := strings.Join(strings.Fields(cell.Text()), " ")
			cells = append(cells, strings.ReplaceAll(text, "|", `\|`))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})

	if len(rows) == 0 {
		return ""
	}

	width := len(rows[0])
	var b strings.Builder

	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			value := ""
			if i < len(cells) {
				value = cells[i]
			}
			b.WriteString(" " + value + " |")
		}
		b.WriteString("\n")
	}

	writeRow(rows[0])
	b.WriteString("|")
	for i := 0; i < width; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range rows[1:] {
		writeRow(row)
	}

	return strings.TrimRight(b.String(), "\n")
}
