package report

import (
	"fmt"
	"strings"
)

const (
	SiteOrigin   = "https://pos.meituan.com"
	SelectOrgURL = SiteOrigin + "/web/rms-account#/selectorg"
)

var equityPackageSales = Definition{
	Type:           EquityPackageSales,
	Name:           "权益包售卖汇总表",
	URL:            SiteOrigin + "/web/marketing/crm/report/right-package",
	URLMarker:      "right-package",
	SurfacePattern: "crm-smart",
	RangeSupported: true,
	DefaultScope:   ScopeGroup,
	Table:          "mt_equity_package_sales",
	Key:            []string{"org_code", "date", "package_name"},
	RemoteKey:      []string{"date", "package_name"},
	OrgField:       "org_code",
	Fields: []Field{
		{Name: "org_code", Kind: Text},
		{Name: "store_name", Kind: Text},
		{Name: "date", Kind: Date, Remote: "sale_date"},
		{Name: "package_name", Kind: Text},
		{Name: "unit_price", Kind: Decimal},
		{Name: "quantity_sold", Kind: Int},
		{Name: "total_sales", Kind: Decimal},
		{Name: "refund_quantity", Kind: Int},
		{Name: "refund_amount", Kind: Decimal},
	},
	Toggles:    []Toggle{{Label: "门店", On: true}, {Label: "日期", On: true}},
	DateLayout: "2006-01-02",
	PageSize:   10,
	Selectors:  copySelectors(elementUISurface),
}

var businessSummary = Definition{
	Type:           BusinessSummary,
	Name:           "综合营业统计",
	URL:            SiteOrigin + "/web/report/businessSummary#/rms-report/businessSummary",
	URLMarker:      "businessSummary",
	SurfacePattern: "dpaas-report",
	RangeSupported: true,
	DefaultScope:   ScopeGroup,
	Table:          "mt_business_summary",
	Key:            []string{"store_name", "business_date"},
	RemoteKey:      []string{"business_date"},
	OrgField:       "store_name",
	Fields: []Field{
		{Name: "city", Kind: Text},
		{Name: "store_name", Kind: Text},
		{Name: "business_date", Kind: Date},
		{Name: "store_created_at", Kind: Text},
		{Name: "operating_days", Kind: Int},
		{Name: "revenue", Kind: Decimal},
		{Name: "discount_amount", Kind: Decimal},
		{Name: "business_income", Kind: Decimal},
		{Name: "order_count", Kind: Int},
		{Name: "diner_count", Kind: Int},
		{Name: "table_count", Kind: Int},
		{Name: "per_capita_before_discount", Kind: Decimal},
		{Name: "per_capita_after_discount", Kind: Decimal},
		{Name: "avg_order_before_discount", Kind: Decimal},
		{Name: "avg_order_after_discount", Kind: Decimal},
		{Name: "table_opening_rate", Kind: Text},
		{Name: "table_turnover_rate", Kind: Decimal},
		{Name: "occupancy_rate", Kind: Text},
		{Name: "avg_dining_time", Kind: Decimal},
		{Name: "composition_data", Kind: Blob, Remote: "composition"},
	},
	Toggles:    []Toggle{{Label: "按门店", On: true}},
	Expand:     "展开筛选",
	DateLayout: "2006/01/02",
	PageSize:   20,
	Selectors:  copySelectors(antRangeSurface),
}

// Dish sales aggregate server-side over the whole range, so multi-day
// ranges are refused.
var dishSales = Definition{
	Type:           DishSales,
	Name:           "菜品综合统计",
	URL:            SiteOrigin + "/web/report/dishSaleAnalysis#/rms-report/dishSaleAnalysis",
	URLMarker:      "dishSaleAnalysis",
	RangeSupported: false,
	DefaultScope:   ScopeGroup,
	Table:          "mt_dish_sales",
	Key:            []string{"store_name", "business_date", "dish_name"},
	RemoteKey:      []string{"business_date", "dish_name"},
	OrgField:       "org_code",
	Fields: append([]Field{
		{Name: "store_name", Kind: Text},
		{Name: "org_code", Kind: Text},
		{Name: "dish_name", Kind: Text},
		{Name: "business_date", Kind: Date},
	}, dishMetrics()...),
	Toggles:    []Toggle{{Label: "按门店统计", On: true}, {Label: "同名菜品合并统计", On: true}},
	Choices:    []Choice{{Control: "销售方式", Option: "单品+套餐明细"}},
	DateLayout: "2006/01/02",
	PageSize:   20,
	Selectors:  copySelectors(dishSurface),
}

// DishMetricColumns is the order of the numeric dish columns, starting at
// table cell 4.
var DishMetricColumns = []string{
	"sales_quantity", "sales_quantity_pct", "price_before_discount", "price_after_discount",
	"sales_amount", "sales_amount_pct", "discount_amount", "dish_discount_pct",
	"dish_income", "dish_income_pct", "order_quantity", "order_amount",
	"return_quantity", "return_amount", "return_quantity_pct", "return_amount_pct",
	"return_rate", "return_order_count", "gift_quantity", "gift_amount",
	"gift_quantity_pct", "gift_amount_pct", "dish_order_count", "related_order_amount",
	"sales_per_thousand", "order_rate", "customer_click_rate",
}

func dishMetrics() []Field {
	out := make([]Field, len(DishMetricColumns))
	for i, name := range DishMetricColumns {
		kind := Decimal
		switch name {
		case "sales_quantity", "order_quantity", "return_quantity",
			"return_order_count", "gift_quantity", "dish_order_count":
			kind = Int
		}
		out[i] = Field{Name: name, Kind: kind}
	}
	return out
}

var membershipPayment = Definition{
	Type:           MembershipPayment,
	Name:           "储值支付方式明细表",
	URL:            SiteOrigin + "/web/marketing/crm/report/dpaas-summary-payment",
	URLMarker:      "dpaas-summary-payment",
	SurfacePattern: "crm-smart",
	RangeSupported: false,
	DefaultScope:   ScopeAllStores,
	Table:          "mt_membership_payment",
	Key:            []string{"org_code", "date"},
	RemoteKey:      []string{"date"},
	OrgField:       "org_code",
	Fields: []Field{
		{Name: "org_code", Kind: Text},
		{Name: "store_name", Kind: Text},
		{Name: "date", Kind: Date, Remote: "sale_date"},
		{Name: "principal", Kind: Decimal},
		{Name: "bonus", Kind: Decimal},
		{Name: "total", Kind: Decimal},
	},
	Toggles:    []Toggle{{Label: "日期", On: true}},
	Expand:     "展开筛选",
	DateLayout: "2006-01-02",
	PageSize:   10,
	Selectors:  copySelectors(elementUISurface),
}

var catalog = []Definition{equityPackageSales, businessSummary, dishSales, membershipPayment}

// All returns every definition in catalogue order.
func All() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the definition for t.
func Lookup(t Type) (Definition, error) {
	for _, d := range catalog {
		if d.Type == t {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("report: unknown type %q", t)
}

// Resolve expands a comma separated list of report names. "all" selects
// the whole catalogue. Order follows the input.
func Resolve(names string) ([]Definition, error) {
	var out []Definition
	seen := make(map[Type]bool)
	for _, n := range strings.Split(names, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if n == "all" {
			for _, d := range catalog {
				if !seen[d.Type] {
					seen[d.Type] = true
					out = append(out, d)
				}
			}
			continue
		}
		d, err := Lookup(Type(n))
		if err != nil {
			return nil, err
		}
		if !seen[d.Type] {
			seen[d.Type] = true
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("report: no report selected")
	}
	return out, nil
}
