package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

// Context carries what a row mapper needs beyond the cells.
type Context struct {
	Start string // YYYY-MM-DD
	End   string
	Scope report.Scope
}

// ContextFor builds the mapper context of a filter.
func ContextFor(f report.Filter) Context {
	return Context{Start: report.FormatDate(f.Start), End: report.FormatDate(f.End), Scope: f.Scope}
}

type mapper struct {
	opts TableOptions
	row  func(names, cells []string, c Context) report.Record
}

var mappers = map[report.Type]mapper{
	report.EquityPackageSales: {row: equityRow},
	report.DishSales:          {opts: TableOptions{HeaderMarkers: []string{"门店", "机构编码"}}, row: dishRow},
	report.BusinessSummary:    {row: businessRow},
	report.MembershipPayment:  {row: membershipRow},
}

// Parse extracts the records of one result page. Rows whose natural key
// is incomplete are dropped.
func Parse(def report.Definition, src string, c Context) ([]report.Record, error) {
	m, ok := mappers[def.Type]
	if !ok {
		return nil, fmt.Errorf("extract: no row mapper for %s", def.Type)
	}
	t, err := ParseTable(src, m.opts)
	if err != nil {
		return nil, fmt.Errorf("extract: %s: %w", def.Type, err)
	}
	names := FlattenHeader(t.Header)
	var out []report.Record
	for _, cells := range t.Rows {
		rec := m.row(names, cells, c)
		if rec == nil || !rec.HasKey(def) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func summaryRow(cells []string) bool {
	for i := 0; i < len(cells) && i < 2; i++ {
		if cells[i] == "合计" || cells[i] == "总计" {
			return true
		}
	}
	return false
}

func normDate(s, fallback string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "/", "-")
	if s == "" {
		return fallback
	}
	return s
}

// equityRow reads 9 data columns, shifted by one when a leading index
// column is rendered.
func equityRow(_, cells []string, c Context) report.Record {
	if len(cells) < 9 || cells[0] == "" || cells[0] == "序号" || summaryRow(cells) {
		return nil
	}
	o := 0
	if len(cells) == 10 {
		o = 1
	}
	return report.Record{
		"org_code":        cells[o],
		"store_name":      cells[o+1],
		"date":            normDate(cells[o+2], c.Start),
		"package_name":    cells[o+3],
		"unit_price":      decimalValue(cells[o+4]),
		"quantity_sold":   intValue(cells[o+5]),
		"total_sales":     decimalValue(cells[o+6]),
		"refund_quantity": intValue(cells[o+7]),
		"refund_amount":   decimalValue(cells[o+8]),
	}
}

var dishInts = map[string]bool{
	"sales_quantity": true, "order_quantity": true, "return_quantity": true,
	"return_order_count": true, "gift_quantity": true, "dish_order_count": true,
}

// dishRow maps the 31-column dish table: index, store, org code, dish name
// and the metric columns. The query is single-day, so business_date is
// the filter date.
func dishRow(_, cells []string, c Context) report.Record {
	if len(cells) < 30 || summaryRow(cells) {
		return nil
	}
	rec := report.Record{
		"store_name":    cells[1],
		"org_code":      cells[2],
		"dish_name":     cells[3],
		"business_date": c.Start,
	}
	for i, name := range report.DishMetricColumns {
		idx := 4 + i
		if idx >= len(cells) {
			rec[name] = nil
			continue
		}
		if dishInts[name] {
			rec[name] = intValue(cells[idx])
		} else {
			rec[name] = decimalValue(cells[idx])
		}
	}
	return rec
}

type column struct {
	idx  int
	name string
	kind report.FieldKind
}

var businessColumns = []column{
	{1, "city", report.Text},
	{2, "store_name", report.Text},
	{3, "business_date", report.Date},
	{4, "store_created_at", report.Text},
	{5, "operating_days", report.Int},
	{6, "revenue", report.Decimal},
	{7, "discount_amount", report.Decimal},
	{8, "business_income", report.Decimal},
	{9, "order_count", report.Int},
	{10, "diner_count", report.Int},
	{11, "table_count", report.Int},
	{12, "per_capita_before_discount", report.Decimal},
	{13, "per_capita_after_discount", report.Decimal},
	{14, "avg_order_before_discount", report.Decimal},
	{15, "avg_order_after_discount", report.Decimal},
	{16, "table_opening_rate", report.Text},
	{17, "table_turnover_rate", report.Decimal},
	{18, "occupancy_rate", report.Text},
	{19, "avg_dining_time", report.Decimal},
}

// compositionStart is the first column folded into composition_data.
const compositionStart = 20

// businessRow maps the fixed columns and folds every column from
// compositionStart on into a JSON object keyed by the flattened header.
func businessRow(names, cells []string, _ Context) report.Record {
	if len(cells) < compositionStart || summaryRow(cells) {
		return nil
	}
	rec := report.Record{}
	for _, col := range businessColumns {
		v := cells[col.idx]
		switch col.kind {
		case report.Int:
			rec[col.name] = intValue(v)
		case report.Decimal:
			rec[col.name] = decimalValue(v)
		case report.Date:
			rec[col.name] = normDate(v, "")
		default:
			rec[col.name] = v
		}
	}
	if !validBusinessDate(rec.Text("business_date")) {
		return nil
	}
	if store := rec.Text("store_name"); store == "" || isDigits(store) {
		return nil
	}

	composition := make(map[string]any)
	for i := compositionStart; i < len(cells); i++ {
		name := fmt.Sprintf("col_%d", i)
		if i < len(names) {
			name = names[i]
		}
		if f, ok := ParseNumber(cells[i]); ok {
			composition[name] = f
		} else {
			composition[name] = cells[i]
		}
	}
	blob, err := json.Marshal(composition)
	if err != nil {
		return nil
	}
	rec["composition_data"] = json.RawMessage(blob)
	return rec
}

// validBusinessDate accepts YYYY-MM-DD with a 20xx year. Group header rows
// and shifted rows fail this check.
func validBusinessDate(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || len(parts[0]) != 4 || !strings.HasPrefix(parts[0], "20") {
		return false
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 1 || m > 12 {
		return false
	}
	d, err := strconv.Atoi(parts[2])
	return err == nil && d >= 1 && d <= 31
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// membershipRow reads the stored-value summary of one store. The table has
// no organization column, so the store comes from the scope.
func membershipRow(_, cells []string, c Context) report.Record {
	if len(cells) < 10 || summaryRow(cells) {
		return nil
	}
	name := cells[1]
	if name == "" {
		name = c.Scope.Store.Name
	}
	return report.Record{
		"org_code":   c.Scope.Store.Code,
		"store_name": name,
		"date":       c.Start,
		"principal":  decimalValue(cells[7]),
		"bonus":      decimalValue(cells[8]),
		"total":      decimalValue(cells[9]),
	}
}
