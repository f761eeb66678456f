package persist

import (
	"bytes"
	"encoding/json"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

// Column is one stored column and the record field feeding it.
type Column struct {
	Name  string
	Field string
	Kind  report.FieldKind
}

// Merge applies the conditional-update rule to every field of def:
//
//   - numeric fields take the incoming value only when it is strictly
//     greater; a stored NULL always loses
//   - other fields take the incoming value whenever it differs
//   - force takes every incoming value
//
// An absent or NULL incoming value never replaces a stored one. changed
// reports whether merged differs from stored.
func Merge(def report.Definition, stored, incoming report.Record, force bool) (report.Record, bool) {
	return mergeColumns(localColumns(def), stored, incoming, force)
}

func localColumns(def report.Definition) []Column {
	cols := make([]Column, len(def.Fields))
	for i, f := range def.Fields {
		cols[i] = Column{Name: f.Name, Field: f.Name, Kind: f.Kind}
	}
	return cols
}

// mergeColumns is Merge over column names; stored and incoming are keyed by
// Column.Name.
func mergeColumns(cols []Column, stored, incoming report.Record, force bool) (report.Record, bool) {
	merged := stored.Clone()
	if merged == nil {
		merged = report.Record{}
	}
	changed := false
	for _, c := range cols {
		in, ok := incoming[c.Name]
		if !ok || in == nil {
			continue
		}
		in = report.Normalize(c.Kind, in)
		cur := report.Normalize(c.Kind, stored[c.Name])
		if sameValue(c.Kind, cur, in) {
			continue
		}
		if !force && c.Kind.Numeric() {
			inN, inOK := report.AsNumber(in)
			if !inOK {
				continue
			}
			if curN, curOK := report.AsNumber(cur); curOK && inN <= curN {
				continue
			}
		}
		merged[c.Name] = in
		changed = true
	}
	return merged, changed
}

func sameValue(kind report.FieldKind, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch {
	case kind.Numeric():
		an, aok := report.AsNumber(a)
		bn, bok := report.AsNumber(b)
		if aok && bok {
			return an == bn
		}
	case kind == report.Blob:
		ab, aok := a.(json.RawMessage)
		bb, bok := b.(json.RawMessage)
		if aok && bok {
			return sameJSON(ab, bb)
		}
	}
	return report.Record{"v": a}.Text("v") == report.Record{"v": b}.Text("v")
}

// sameJSON compares two JSON documents ignoring key order and spacing.
func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ca, err1 := json.Marshal(av)
	cb, err2 := json.Marshal(bv)
	return err1 == nil && err2 == nil && bytes.Equal(ca, cb)
}
