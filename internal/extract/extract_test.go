package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1,234.50", 1234.5, true},
		{"¥99.00", 99, true},
		{"￥1,299", 1299, true},
		{"300元", 300, true},
		{"12.5%", 12.5, true},
		{" 42 ", 42, true},
		{"-3.2", -3.2, true},
		{"", 0, false},
		{"--", 0, false},
		{"-", 0, false},
		{"N/A", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseNumber(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseNumber(%q): got %v,%v want %v,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestParseTotal(t *testing.T) {
	if n, ok := ParseTotal("共 42 条"); !ok || n != 42 {
		t.Errorf("got %d,%v", n, ok)
	}
	if n, ok := ParseTotal("共120条记录"); !ok || n != 120 {
		t.Errorf("got %d,%v", n, ok)
	}
	if _, ok := ParseTotal("暂无数据"); ok {
		t.Error("expected no total")
	}
}

func TestFlattenHeader(t *testing.T) {
	rows := [][]HeaderCell{
		{{Text: "门店", ColSpan: 1, RowSpan: 3}, {Text: "渠道营业构成", ColSpan: 3, RowSpan: 1}},
		{{Text: "店内销售", ColSpan: 2, RowSpan: 1}, {Text: "外卖", ColSpan: 1, RowSpan: 2}},
		{{Text: "营业额(元)", ColSpan: 1, RowSpan: 1}, {Text: "订单数", ColSpan: 1, RowSpan: 1}},
	}
	got := FlattenHeader(rows)
	want := []string{"门店", "渠道营业构成-店内销售-营业额(元)", "渠道营业构成-店内销售-订单数", "渠道营业构成-外卖"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FlattenHeader mismatch (-want +got):\n%s", diff)
	}
}

const equityHTML = `
<div class="saas-v5-table">
<table>
<thead><tr><th>序号</th><th>机构编码</th><th>门店</th><th>日期</th><th>权益包</th><th>单价</th><th>售卖数量</th><th>售卖金额</th><th>退款数量</th><th>退款金额</th></tr></thead>
<tbody class="saas-v5-table-tbody">
<tr class="saas-v5-table-measure-row" aria-hidden="true"><td style="height: 0px"></td></tr>
<tr><td>1</td><td>MD00012</td><td>山海店</td><td>2025-12-13</td><td>月卡</td><td>¥99.00</td><td>3</td><td>¥297.00</td><td>0</td><td>¥0.00</td></tr>
<tr><td>2</td><td>MD00013</td><td><span>海港</span><span>店</span></td><td>2025/12/13</td><td>季卡</td><td>1,299.00</td><td>1</td><td>1,299.00</td><td>1</td><td>1,299.00</td></tr>
<tr><td>3</td><td></td><td>无编码</td><td>2025-12-13</td><td>年卡</td><td>1</td><td>1</td><td>1</td><td>0</td><td>0</td></tr>
<tr><td>合计</td><td></td><td></td><td></td><td></td><td></td><td>4</td><td>1,596.00</td><td>1</td><td>1,299.00</td></tr>
</tbody>
</table>
</div>`

func TestParseEquity(t *testing.T) {
	def, _ := report.Lookup(report.EquityPackageSales)
	recs, err := Parse(def, equityHTML, Context{Start: "2025-12-13", End: "2025-12-13", Scope: report.GroupScope()})
	if err != nil {
		t.Fatal(err)
	}
	want := []report.Record{
		{
			"org_code": "MD00012", "store_name": "山海店", "date": "2025-12-13", "package_name": "月卡",
			"unit_price": 99.0, "quantity_sold": int64(3), "total_sales": 297.0,
			"refund_quantity": int64(0), "refund_amount": 0.0,
		},
		{
			"org_code": "MD00013", "store_name": "海港店", "date": "2025-12-13", "package_name": "季卡",
			"unit_price": 1299.0, "quantity_sold": int64(1), "total_sales": 1299.0,
			"refund_quantity": int64(1), "refund_amount": 1299.0,
		},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("equity records (-want +got):\n%s", diff)
	}
}

func TestParseEquity_NineColumns(t *testing.T) {
	src := `<table><tbody><tr><td>MD1</td><td>A</td><td></td><td>月卡</td><td>1</td><td>2</td><td>2</td><td>0</td><td>0</td></tr></tbody></table>`
	def, _ := report.Lookup(report.EquityPackageSales)
	recs, err := Parse(def, src, Context{Start: "2025-12-13"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Text("org_code") != "MD1" || recs[0].Text("date") != "2025-12-13" {
		t.Errorf("got %v", recs[0])
	}
}

func dishFixture(rows [][]string) string {
	var b strings.Builder
	b.WriteString(`<div class="ant-table">`)
	b.WriteString(`<table><thead><tr><th>筛选</th><th>条件</th></tr></thead><tbody><tr><td>x</td><td>y</td></tr></tbody></table>`)
	b.WriteString(`<table><thead><tr><th>序号</th><th>门店</th><th>机构编码</th><th>菜品名称</th>`)
	for _, c := range report.DishMetricColumns {
		fmt.Fprintf(&b, "<th>%s</th>", c)
	}
	b.WriteString(`</tr></thead><tbody>`)
	b.WriteString(`<tr style="height: 0px"><td style="height: 0px"></td></tr>`)
	for _, r := range rows {
		b.WriteString("<tr>")
		for _, c := range r {
			fmt.Fprintf(&b, "<td>%s</td>", c)
		}
		b.WriteString("</tr>")
	}
	b.WriteString(`</tbody></table></div>`)
	return b.String()
}

func dishCells(idx, store, org, dish string) []string {
	cells := []string{idx, store, org, dish}
	for i := range report.DishMetricColumns {
		cells = append(cells, fmt.Sprintf("%d", i+1))
	}
	cells[5] = "12.5%"
	cells[8] = "1,024.00"
	return cells
}

func TestParseDish(t *testing.T) {
	src := dishFixture([][]string{
		dishCells("合计", "", "", ""),
		dishCells("1", "山海店", "MD00012", "宫保鸡丁"),
		dishCells("2", "山海店", "MD00012", ""),
		dishCells("3", "海港店", "MD00013", "酸菜鱼")[:29],
	})
	def, _ := report.Lookup(report.DishSales)
	recs, err := Parse(def, src, Context{Start: "2025-12-13", End: "2025-12-13"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1: %v", len(recs), recs)
	}
	r := recs[0]
	if r.Text("dish_name") != "宫保鸡丁" || r.Text("business_date") != "2025-12-13" || r.Text("org_code") != "MD00012" {
		t.Errorf("keys: got %v", r)
	}
	if got := r["sales_quantity"]; got != int64(1) {
		t.Errorf("sales_quantity: got %#v", got)
	}
	if got := r["sales_quantity_pct"]; got != 12.5 {
		t.Errorf("sales_quantity_pct: got %#v", got)
	}
	if got := r["sales_amount"]; got != 1024.0 {
		t.Errorf("sales_amount: got %#v", got)
	}
	if got := r["customer_click_rate"]; got != 27.0 {
		t.Errorf("customer_click_rate: got %#v", got)
	}
}

func TestParseDish_HeaderMissing(t *testing.T) {
	def, _ := report.Lookup(report.DishSales)
	_, err := Parse(def, `<table><thead><tr><th>其他</th></tr></thead></table>`, Context{Start: "2025-12-13"})
	if err == nil {
		t.Fatal("expected header error")
	}
}

func businessFixture(rows [][]string) string {
	var b strings.Builder
	b.WriteString(`<table><thead><tr>`)
	fixed := []string{"序号", "城市", "门店", "营业日期", "开店日期", "营业天数", "营业额", "优惠金额", "营业收入",
		"订单数", "就餐人数", "桌数", "人均(折前)", "人均(折后)", "单均(折前)", "单均(折后)", "开台率", "翻台率", "上座率", "平均用餐时长"}
	for _, f := range fixed {
		fmt.Fprintf(&b, `<th rowspan="2">%s</th>`, f)
	}
	b.WriteString(`<th colspan="2">渠道营业构成</th></tr><tr><th>堂食</th><th>外卖</th></tr></thead><tbody>`)
	for _, r := range rows {
		b.WriteString("<tr>")
		for _, c := range r {
			fmt.Fprintf(&b, "<td>%s</td>", c)
		}
		b.WriteString("</tr>")
	}
	b.WriteString(`</tbody></table>`)
	return b.String()
}

func TestParseBusinessSummary(t *testing.T) {
	row := []string{"1", "上海", "山海店", "2025/12/13", "2020-01-01", "365", "12,000.50", "500", "11,500.50",
		"120", "300", "40", "40.00", "38.33", "100.00", "95.83", "85%", "2.5", "90%", "65", "9,000.00", "--"}
	group := append([]string{"", "上海", "山海店", "汇总"}, row[4:]...)
	numeric := append([]string{"2", "上海", "10086", "2025-12-13"}, row[4:]...)

	src := businessFixture([][]string{group, row, numeric})
	def, _ := report.Lookup(report.BusinessSummary)
	recs, err := Parse(def, src, Context{Start: "2025-12-13", End: "2025-12-13"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Text("business_date") != "2025-12-13" {
		t.Errorf("business_date: got %q", r.Text("business_date"))
	}
	if r["revenue"] != 12000.5 || r["order_count"] != int64(120) {
		t.Errorf("numbers: revenue=%#v order_count=%#v", r["revenue"], r["order_count"])
	}
	if r["table_opening_rate"] != "85%" {
		t.Errorf("opening rate kept as text: got %#v", r["table_opening_rate"])
	}
	var comp map[string]any
	if err := json.Unmarshal(r["composition_data"].(json.RawMessage), &comp); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"渠道营业构成-堂食": 9000.0, "渠道营业构成-外卖": "--"}
	if diff := cmp.Diff(want, comp); diff != "" {
		t.Errorf("composition (-want +got):\n%s", diff)
	}
}

func TestParseMembership(t *testing.T) {
	src := `<div class="saas-v5-table"><table><tbody class="saas-v5-table-tbody">
<tr><td>1</td><td>山海店</td><td>a</td><td>b</td><td>c</td><td>d</td><td>e</td><td>1,000.00</td><td>200.00</td><td>1,200.00</td></tr>
<tr><td>合计</td><td></td><td></td><td></td><td></td><td></td><td></td><td>1,000.00</td><td>200.00</td><td>1,200.00</td></tr>
</tbody></table></div>`
	def, _ := report.Lookup(report.MembershipPayment)
	store := report.Store{Code: "12345678", Name: "山海店"}
	recs, err := Parse(def, src, Context{Start: "2025-12-13", Scope: report.StoreScope(store)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Text("org_code") != "12345678" || recs[0]["total"] != 1200.0 {
		t.Errorf("got %v", recs[0])
	}
}

func TestParseStores(t *testing.T) {
	src := `<div class="ant-modal"><table><tbody>
<tr><td>山海店</td><td>商户号：12345678</td><td>切换</td></tr>
<tr><td>海港店</td><td>87654321</td><td>切换</td></tr>
<tr><td>山海店</td><td>12345678</td><td>切换</td></tr>
<tr><td>无编码</td><td>123</td></tr>
</tbody></table><ul><li><span>滨江店</span><span>11112222</span></li></ul></div>`
	got, err := ParseStores(src)
	if err != nil {
		t.Fatal(err)
	}
	want := []report.Store{
		{Code: "12345678", Name: "山海店"},
		{Code: "87654321", Name: "海港店"},
		{Code: "11112222", Name: "滨江店"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stores (-want +got):\n%s", diff)
	}
}

func TestHeaderStoreCode(t *testing.T) {
	if code, ok := HeaderStoreCode("餐饮管家 山海店 商户号: 12345678 退出"); !ok || code != "12345678" {
		t.Errorf("got %q,%v", code, ok)
	}
	if _, ok := HeaderStoreCode("集团 总部"); ok {
		t.Error("expected no code")
	}
}
