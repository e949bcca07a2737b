package subject

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Content types of the rendered exports.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCSV  = "text/csv; charset=utf-8"
)

var flatHeader = []string{"section", "index", "field", "value"}

// RenderStructured renders data as an indented JSON document.
func RenderStructured(data *SubjectData) ([]byte, error) {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render structured export: %w", err)
	}
	return append(out, '\n'), nil
}

// RenderFlat renders data as CSV rows of section,index,field,value. Nested
// values are flattened into dotted field names (lines.0.sku).
func RenderFlat(data *SubjectData) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(flatHeader); err != nil {
		return nil, err
	}

	write := func(section string, index int, v any) error {
		fields, err := flatten(v)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", section, err)
		}
		for _, f := range fields {
			if err := w.Write([]string{section, strconv.Itoa(index), f.name, f.value}); err != nil {
				return err
			}
		}
		return nil
	}

	meta := map[string]any{
		"subject_id":   data.SubjectID,
		"found":        data.Found,
		"collected_at": data.CollectedAt,
	}
	if err := write("subject", 0, meta); err != nil {
		return nil, err
	}
	if data.Profile != nil {
		if err := write("profile", 0, data.Profile); err != nil {
			return nil, err
		}
	}
	for i, o := range data.Orders {
		if err := write("orders", i, o); err != nil {
			return nil, err
		}
	}
	for i, c := range data.CartSessions {
		if err := write("cart_sessions", i, c); err != nil {
			return nil, err
		}
	}
	for i, s := range data.Subscriptions {
		if err := write("subscriptions", i, s); err != nil {
			return nil, err
		}
	}
	for i, e := range data.AuditEntries {
		if err := write("audit_entries", i, e); err != nil {
			return nil, err
		}
	}
	if data.CRM != nil {
		if err := write("crm", 0, data.CRM); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("render flat export: %w", err)
	}
	return buf.Bytes(), nil
}

type flatField struct {
	name  string
	value string
}

// flatten round-trips v through JSON so field names and time formats match
// the structured export, then walks the result.
func flatten(v any) ([]flatField, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var out []flatField
	walk("", generic, &out)
	return out, nil
}

func walk(prefix string, v any, out *[]flatField) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(join(k), t[k], out)
		}
	case []any:
		for i, item := range t {
			walk(join(strconv.Itoa(i)), item, out)
		}
	case nil:
		*out = append(*out, flatField{name: prefix, value: ""})
	case string:
		*out = append(*out, flatField{name: prefix, value: t})
	case json.Number:
		*out = append(*out, flatField{name: prefix, value: t.String()})
	case bool:
		*out = append(*out, flatField{name: prefix, value: strconv.FormatBool(t)})
	default:
		*out = append(*out, flatField{name: prefix, value: fmt.Sprint(t)})
	}
}
