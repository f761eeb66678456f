package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

var (
	storeCodePattern  = regexp.MustCompile(`(?:^|\D)(\d{8})(?:\D|$)`)
	headerCodePattern = regexp.MustCompile(`商户号\s*[:：]?\s*(\d{8})`)
)

// ParseStores reads the store-switch dialog. Each row (tr or li) carrying
// an 8-digit merchant code yields one store; its name is the first cell
// that is not the code or a label. Duplicates keep their first position.
func ParseStores(src string) ([]report.Store, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("extract: parse store dialog: %w", err)
	}
	seen := make(map[string]bool)
	var out []report.Store
	doc.Find("tr, li").Each(func(_ int, row *goquery.Selection) {
		if row.Find("tr, li").Length() > 0 {
			return
		}
		m := storeCodePattern.FindStringSubmatch(cellText(row))
		if m == nil || seen[m[1]] {
			return
		}
		code := m[1]
		name := ""
		cells := row.Children()
		if row.Is("tr") {
			cells = row.ChildrenFiltered("td")
		}
		cells.EachWithBreak(func(_ int, c *goquery.Selection) bool {
			s := cellText(c)
			if s == "" || s == code || strings.Contains(s, "商户号") || isDigits(s) || s == "选择" || s == "切换" {
				return true
			}
			name = s
			return false
		})
		if name == "" {
			name = strings.TrimSpace(strings.ReplaceAll(cellText(row), code, ""))
		}
		seen[code] = true
		out = append(out, report.Store{Code: code, Name: name})
	})
	return out, nil
}

// HeaderStoreCode reads "商户号: 12345678" from the page header text.
func HeaderStoreCode(text string) (string, bool) {
	m := headerCodePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
