// CLAUDE:SUMMARY Parses report tables captured from the live surface into header grids and cell rows with goquery.
// Package extract turns the HTML of a report table into typed records. It
// never talks to the browser: the crawler hands it the outer HTML of the
// result container, one page at a time.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrHeaderNotFound is returned when no table header carries the markers.
var ErrHeaderNotFound = errors.New("extract: header not found")

// HeaderCell is one th of a possibly multi-level header.
type HeaderCell struct {
	Text    string
	ColSpan int
	RowSpan int
}

// Table is a parsed result table.
type Table struct {
	Header [][]HeaderCell
	Rows   [][]string
}

// TableOptions tunes ParseTable.
type TableOptions struct {
	// HeaderMarkers picks the table whose thead contains every marker.
	HeaderMarkers []string
}

// ParseTable reads the header rows and the data rows of src. Virtual-scroll
// placeholder rows (zero height, measure rows) and blank rows are skipped.
func ParseTable(src string, opts TableOptions) (*Table, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}

	var head *goquery.Selection
	doc.Find("thead").EachWithBreak(func(_ int, th *goquery.Selection) bool {
		text := th.Text()
		for _, m := range opts.HeaderMarkers {
			if !strings.Contains(text, m) {
				return true
			}
		}
		head = th
		return false
	})
	if head == nil && len(opts.HeaderMarkers) > 0 {
		return nil, ErrHeaderNotFound
	}

	t := &Table{}
	if head != nil {
		head.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var row []HeaderCell
			tr.Find("th").Each(func(_ int, th *goquery.Selection) {
				row = append(row, HeaderCell{
					Text:    cellText(th),
					ColSpan: spanAttr(th, "colspan"),
					RowSpan: spanAttr(th, "rowspan"),
				})
			})
			if len(row) > 0 {
				t.Header = append(t.Header, row)
			}
		})
	}

	body := pickBody(doc, head)
	if body == nil {
		return t, nil
	}
	body.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if placeholderRow(tr) {
			return
		}
		var cells []string
		blank := true
		tr.ChildrenFiltered("td").Each(func(_ int, td *goquery.Selection) {
			s := cellText(td)
			if s != "" {
				blank = false
			}
			cells = append(cells, s)
		})
		if !blank {
			t.Rows = append(t.Rows, cells)
		}
	})
	return t, nil
}

// pickBody prefers the tbody sharing a table with the chosen header. Fixed
// header layouts render the body in a sibling table, so otherwise the tbody
// with the widest rows wins.
func pickBody(doc *goquery.Document, head *goquery.Selection) *goquery.Selection {
	if head != nil {
		own := head.Closest("table").ChildrenFiltered("tbody")
		if own.Find("td").Length() > 0 {
			return own.First()
		}
	}
	var best *goquery.Selection
	bestWidth := 0
	doc.Find("tbody").Each(func(_ int, tb *goquery.Selection) {
		width := 0
		tb.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			if n := tr.ChildrenFiltered("td").Length(); n > width {
				width = n
			}
		})
		if width > bestWidth {
			best, bestWidth = tb, width
		}
	})
	return best
}

func placeholderRow(tr *goquery.Selection) bool {
	if tr.AttrOr("aria-hidden", "") == "true" {
		return true
	}
	if class := tr.AttrOr("class", ""); strings.Contains(class, "measure-row") {
		return true
	}
	styles := tr.AttrOr("style", "") + ";" + tr.ChildrenFiltered("td").First().AttrOr("style", "")
	styles = strings.ReplaceAll(styles, " ", "")
	return strings.Contains(styles, "height:0px") || strings.Contains(styles, "height:0;")
}

func spanAttr(s *goquery.Selection, name string) int {
	n, err := strconv.Atoi(s.AttrOr(name, "1"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// cellText returns the visible text of a cell with whitespace collapsed.
// Script, style and icon subtrees are ignored.
func cellText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		writeText(n, &b)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func writeText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Svg:
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, b)
	}
}

// FlattenHeader resolves a multi-level header into one name per column,
// joining the levels with "-". Row and column spans are laid out on a grid
// so mixed-depth headers line up with the data cells.
func FlattenHeader(rows [][]HeaderCell) []string {
	if len(rows) == 0 {
		return nil
	}
	total := 0
	for _, c := range rows[0] {
		total += max(c.ColSpan, 1)
	}
	depth := len(rows)
	grid := make([][]string, depth)
	taken := make([][]bool, depth)
	for r := range grid {
		grid[r] = make([]string, total)
		taken[r] = make([]bool, total)
	}

	for r, row := range rows {
		col := 0
		for _, c := range row {
			for col < total && taken[r][col] {
				col++
			}
			if col >= total {
				break
			}
			cs, rs := max(c.ColSpan, 1), max(c.RowSpan, 1)
			for dr := 0; dr < rs && r+dr < depth; dr++ {
				for dc := 0; dc < cs && col+dc < total; dc++ {
					grid[r+dr][col+dc] = c.Text
					taken[r+dr][col+dc] = true
				}
			}
			col += cs
		}
	}

	names := make([]string, total)
	for col := 0; col < total; col++ {
		var parts []string
		for r := 0; r < depth; r++ {
			cell := grid[r][col]
			if cell != "" && (len(parts) == 0 || parts[len(parts)-1] != cell) {
				parts = append(parts, cell)
			}
		}
		if len(parts) == 0 {
			names[col] = fmt.Sprintf("col%d", col)
			continue
		}
		names[col] = strings.Join(parts, "-")
	}
	return names
}

var totalPattern = regexp.MustCompile(`共\s*(\d+)\s*条`)

// ParseTotal reads the record count from pager text such as "共 42 条" or
// "共 42 条记录".
func ParseTotal(s string) (int, bool) {
	m := totalPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}
