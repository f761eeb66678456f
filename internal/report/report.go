// CLAUDE:SUMMARY Report catalogue types: Definition, Field, Scope, Store and the selector capability table.
// Package report holds the static description of every crawlable report and
// the value types that flow between navigator, crawler and persistence.
package report

import (
	"fmt"
	"slices"
)

// Type identifies a report.
type Type string

const (
	EquityPackageSales Type = "equity_package_sales"
	BusinessSummary    Type = "business_summary"
	DishSales          Type = "dish_sales"
	MembershipPayment  Type = "membership_payment"
)

// FieldKind is the typed shape of a Record value.
type FieldKind int

const (
	Text    FieldKind = iota // string
	Int                      // int64
	Decimal                  // float64
	Date                     // string, YYYY-MM-DD
	Blob                     // json.RawMessage
)

// Numeric reports whether values of this kind take part in the
// only-grow conditional update.
func (k FieldKind) Numeric() bool { return k == Int || k == Decimal }

// Field is one column of a report table.
type Field struct {
	Name string
	Kind FieldKind
	// Remote is the column name in the remote store. Empty means Name.
	Remote string
}

// RemoteName returns the remote column name.
func (f Field) RemoteName() string {
	if f.Remote != "" {
		return f.Remote
	}
	return f.Name
}

// Store is an organization the site scopes data by.
type Store struct {
	Code string // 8-digit merchant code issued by the site
	Name string
}

// ScopeKind selects what a query is filtered to.
type ScopeKind int

const (
	ScopeGroup ScopeKind = iota
	ScopeStore
	ScopeAllStores
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeGroup:
		return "group"
	case ScopeStore:
		return "store"
	case ScopeAllStores:
		return "all_stores"
	}
	return fmt.Sprintf("scope(%d)", int(k))
}

const (
	GroupID   = "GROUP"
	GroupName = "集团"
)

// Scope is the unit a report query is filtered to.
type Scope struct {
	Kind  ScopeKind
	Store Store
}

func GroupScope() Scope { return Scope{Kind: ScopeGroup} }
func AllStoresScope() Scope { return Scope{Kind: ScopeAllStores} }
func StoreScope(s Store) Scope { return Scope{Kind: ScopeStore, Store: s} }
func (s Scope) IsGroup() bool { return s.Kind == ScopeGroup }
func (s Scope) PerStore() bool { return s.Kind != ScopeGroup }
func (s Scope) Same(o Scope) bool { return s.Kind == o.Kind && s.Store.Code == o.Store.Code }

// ID returns the target identifier recorded in crawl results.
func (s Scope) ID() string {
	switch s.Kind {
	case ScopeGroup:
		return GroupID
	case ScopeAllStores:
		return "ALL"
	}
	return s.Store.Code
}

// Name returns the target display name.
func (s Scope) Name() string {
	switch s.Kind {
	case ScopeGroup:
		return GroupName
	case ScopeAllStores:
		return "全部门店"
	}
	if s.Store.Name != "" {
		return s.Store.Name
	}
	return s.Store.Code
}

func (s Scope) String() string { return s.Kind.String() + ":" + s.ID() }

// Toggle is a checkbox or radio control identified by its label.
type Toggle struct {
	Label string
	On    bool
}

// Choice is a dropdown control set to one option.
type Choice struct {
	Control string
	Option  string
}

// Definition is the static descriptor of one report type.
type Definition struct {
	Type Type
	Name string
	URL  string
	// URLMarker must appear in the page URL once navigation settled.
	URLMarker string
	// SurfacePattern matches the iframe rendering the data. Empty means the
	// main document.
	SurfacePattern string
	RangeSupported bool
	DefaultScope   ScopeKind

	Table    string
	Key      []string
	OrgField string
	Fields   []Field
	// RemoteKey lists the key fields that, together with the mapped remote
	// entity id, identify a row in the remote store.
	RemoteKey []string

	Toggles []Toggle
	Choices []Choice
	// Expand is clicked before filters are set when the filter panel is
	// collapsed.
	Expand string
	// DateLayout is the Go layout typed into the date inputs.
	DateLayout string
	PageSize   int

	Selectors Selectors
}

// Field returns the named field.
func (d Definition) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IsKey reports whether name is part of the natural key.
func (d Definition) IsKey(name string) bool { return slices.Contains(d.Key, name) }

// Columns returns the field names in declaration order.
func (d Definition) Columns() []string {
	cols := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Selector looks up the capability entry for role. A missing entry is a
// SurfaceNotFoundError so callers never deal with an empty selector.
func (d Definition) Selector(role Role) (Selector, error) {
	sel, ok := d.Selectors[role]
	if !ok || sel.CSS == "" {
		return Selector{}, &SurfaceNotFoundError{Report: d.Type, Role: role, Pattern: d.SurfacePattern}
	}
	return sel, nil
}
