package persist

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

func equityDef(t *testing.T) report.Definition {
	t.Helper()
	def, err := report.Lookup(report.EquityPackageSales)
	if err != nil {
		t.Fatal(err)
	}
	return def
}

func equityRecord(qty int64, total float64, store string) report.Record {
	return report.Record{
		"org_code": "MD00012", "store_name": store, "date": "2025-12-13", "package_name": "月卡",
		"unit_price": 99.0, "quantity_sold": qty, "total_sales": total,
		"refund_quantity": int64(0), "refund_amount": 0.0,
	}
}

func TestMerge_NumericOnlyGrows(t *testing.T) {
	def := equityDef(t)
	stored := equityRecord(5, 495, "山海店")

	merged, changed := Merge(def, stored, equityRecord(3, 297, "山海店"), false)
	if changed {
		t.Error("lower values must not change the row")
	}
	if diff := cmp.Diff(stored, merged); diff != "" {
		t.Errorf("merged (-want +got):\n%s", diff)
	}

	merged, changed = Merge(def, stored, equityRecord(7, 693, "山海店"), false)
	if !changed || merged["quantity_sold"] != int64(7) || merged["total_sales"] != 693.0 {
		t.Errorf("higher values: changed=%v merged=%v", changed, merged)
	}
}

func TestMerge_ForceOverwrites(t *testing.T) {
	def := equityDef(t)
	stored := equityRecord(5, 495, "山海店")
	merged, changed := Merge(def, stored, equityRecord(3, 297, "山海店"), true)
	if !changed || merged["quantity_sold"] != int64(3) || merged["total_sales"] != 297.0 {
		t.Errorf("force: changed=%v merged=%v", changed, merged)
	}
}

func TestMerge_StoredNullLoses(t *testing.T) {
	def := equityDef(t)
	stored := equityRecord(5, 495, "山海店")
	stored["refund_amount"] = nil
	merged, changed := Merge(def, stored, equityRecord(5, 495, "山海店"), false)
	if !changed || merged["refund_amount"] != 0.0 {
		t.Errorf("got changed=%v refund_amount=%#v", changed, merged["refund_amount"])
	}
}

func TestMerge_IncomingNullKeepsStored(t *testing.T) {
	def := equityDef(t)
	stored := equityRecord(5, 495, "山海店")
	in := equityRecord(5, 495, "山海店")
	in["unit_price"] = nil
	in["store_name"] = nil
	merged, changed := Merge(def, stored, in, true)
	if changed || merged["unit_price"] != 99.0 || merged["store_name"] != "山海店" {
		t.Errorf("got changed=%v merged=%v", changed, merged)
	}
}

// Non-numeric fields always take the incoming value when it differs; there
// is no ordering on text to decide otherwise.
func TestMerge_NonNumericAlwaysOverwrites(t *testing.T) {
	def := equityDef(t)
	stored := equityRecord(5, 495, "山海店(旧)")
	merged, changed := Merge(def, stored, equityRecord(1, 99, "山海店"), false)
	if !changed {
		t.Fatal("renamed store must change the row")
	}
	if merged["store_name"] != "山海店" {
		t.Errorf("store_name: got %v", merged["store_name"])
	}
	if merged["quantity_sold"] != int64(5) {
		t.Errorf("quantity_sold must keep the higher stored value, got %v", merged["quantity_sold"])
	}
}

func TestMerge_DriverValues(t *testing.T) {
	def, _ := report.Lookup(report.BusinessSummary)
	stored := report.Record{
		"store_name": "山海店", "business_date": "2025-12-13",
		"revenue": []byte("12000.5"), "order_count": int64(120),
		"composition_data": `{"b": 2, "a": 1}`,
	}
	in := report.Record{
		"store_name": "山海店", "business_date": "2025-12-13",
		"revenue": 12000.5, "order_count": int64(120),
		"composition_data": json.RawMessage(`{"a":1,"b":2}`),
	}
	if _, changed := Merge(def, stored, in, false); changed {
		t.Error("equal values in driver form must not count as a change")
	}
}

func TestMapping(t *testing.T) {
	m := NewMapping(map[string]string{"MD00012": "r-1", " ": "x"})
	m.Fill(map[string]string{"MD00012": "r-9", "MD00013": "r-2"})
	if id, ok := m.Lookup("MD00012"); !ok || id != "r-1" {
		t.Errorf("got %q,%v, want loaded entry to win", id, ok)
	}
	if id, ok := m.Lookup(" MD00013 "); !ok || id != "r-2" {
		t.Errorf("got %q,%v", id, ok)
	}
	if m.Len() != 2 {
		t.Errorf("Len: got %d, want 2", m.Len())
	}
	var nilMap *Mapping
	if _, ok := nilMap.Lookup("x"); ok {
		t.Error("nil mapping must not resolve")
	}

	m.Replace(map[string]string{"MD00014": "r-3"})
	if _, ok := m.Lookup("MD00012"); ok {
		t.Error("replaced entry still resolves")
	}
	if id, _ := m.Lookup("MD00014"); id != "r-3" || m.Len() != 1 {
		t.Errorf("after Replace: got %q len %d", id, m.Len())
	}
}

func TestRemoteTable(t *testing.T) {
	def := equityDef(t)
	tbl := RemoteTable(def)
	if diff := cmp.Diff([]string{"restaurant_id", "sale_date", "package_name"}, tbl.Key); diff != "" {
		t.Errorf("key (-want +got):\n%s", diff)
	}
	rec := equityRecord(1, 99, "山海店")
	rec[RemoteIDColumn] = "r-1"
	row := tbl.Row(rec)
	if row["sale_date"] != "2025-12-13" || row["restaurant_id"] != "r-1" {
		t.Errorf("row: got %v", row)
	}
	if _, ok := row["date"]; ok {
		t.Error("local column name leaked into the remote row")
	}
}
