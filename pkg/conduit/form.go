package conduit

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ListStyle selects how list values are flattened into bracketed field names.
type ListStyle int

const (
	// ListIndexed writes each element with an explicit index: ids[0]=1&ids[1]=2.
	ListIndexed ListStyle = iota
	// ListAppend repeats an empty-bracket field: ids[]=1&ids[]=2.
	ListAppend
)

// String returns the configuration name of the style.
func (s ListStyle) String() string {
	switch s {
	case ListIndexed:
		return "indexed"
	case ListAppend:
		return "append"
	default:
		return fmt.Sprintf("ListStyle(%d)", int(s))
	}
}

// ParseListStyle parses a style name. An empty string selects ListIndexed.
func ParseListStyle(name string) (ListStyle, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "indexed", "index":
		return ListIndexed, nil
	case "append", "brackets":
		return ListAppend, nil
	default:
		return ListIndexed, fmt.Errorf("unknown list style %q, supported styles: indexed, append", name)
	}
}

// EncodeConstraints flattens constraints into form fields under the
// "constraints" prefix.
func EncodeConstraints(form url.Values, constraints map[string]any, style ListStyle) error {
	if len(constraints) == 0 {
		return nil
	}
	return EncodeForm(form, "constraints", constraints, style)
}

// EncodeForm adds value to form using PHP-style bracket notation rooted at
// prefix.
//
// Values implementing fmt.Stringer produce a single field holding String(),
// whatever their underlying kind, so a time.Duration is sent as "1s". Other
// scalars (strings, booleans, integers, floats and json.Number) produce a
// single field named prefix. Booleans are written as "1" and "0" because the
// server reads "false" as a true value. Slices and arrays produce one field per
// element, named according to style. Maps with string keys recurse into
// prefix[key] in sorted key order; keys containing brackets are rejected. Nil
// values are skipped.
//
// Lists whose elements are themselves lists or maps are always written with
// explicit indexes, since prefix[][key] cannot be decoded unambiguously.
func EncodeForm(form url.Values, prefix string, value any, style ListStyle) error {
	if prefix == "" {
		return fmt.Errorf("encode form: empty field prefix")
	}
	return encodeValue(form, prefix, reflect.ValueOf(value), style)
}

var stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()

func encodeValue(form url.Values, key string, v reflect.Value, style ListStyle) error {
	if !v.IsValid() {
		return nil
	}

	if v.Type() == reflect.TypeOf(json.Number("")) {
		form.Add(key, v.String())
		return nil
	}
	if v.Kind() != reflect.Interface && v.Kind() != reflect.Pointer && v.Type().Implements(stringerType) {
		form.Add(key, v.Interface().(fmt.Stringer).String())
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer && v.Type().Implements(stringerType) {
			form.Add(key, v.Interface().(fmt.Stringer).String())
			return nil
		}
		return encodeValue(form, key, v.Elem(), style)
	case reflect.String:
		form.Add(key, v.String())
	case reflect.Bool:
		if v.Bool() {
			form.Add(key, "1")
		} else {
			form.Add(key, "0")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		form.Add(key, strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		form.Add(key, strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32:
		form.Add(key, strconv.FormatFloat(v.Float(), 'f', -1, 32))
	case reflect.Float64:
		form.Add(key, strconv.FormatFloat(v.Float(), 'f', -1, 64))
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			form.Add(key, string(v.Bytes()))
			return nil
		}
		indexed := style == ListIndexed || hasCompositeElems(v)
		for i := 0; i < v.Len(); i++ {
			elemKey := key + "[]"
			if indexed {
				elemKey = key + "[" + strconv.Itoa(i) + "]"
			}
			if err := encodeValue(form, elemKey, v.Index(i), style); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("encode form: field %s: map key type %s is not a string", key, v.Type().Key())
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			if strings.ContainsAny(k.String(), "[]") {
				return fmt.Errorf("encode form: field %s: map key %q contains a bracket", key, k.String())
			}
			if err := encodeValue(form, key+"["+k.String()+"]", v.MapIndex(k), style); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("encode form: field %s: unsupported type %s", key, v.Type())
	}

	return nil
}

func hasCompositeElems(v reflect.Value) bool {
	for i := 0; i < v.Len(); i++ {
		e := v.Index(i)
		for e.Kind() == reflect.Interface || e.Kind() == reflect.Pointer {
			if e.IsNil() {
				break
			}
			e = e.Elem()
		}
		switch e.Kind() {
		case reflect.Map:
			return true
		case reflect.Slice:
			if e.Type().Elem().Kind() != reflect.Uint8 {
				return true
			}
		case reflect.Array:
			return true
		}
	}
	return false
}

// DecodeForm rebuilds the structure that EncodeForm flattened under prefix.
// Fields that do not start with prefix[ are ignored, including a bare prefix
// field.
//
// Values come back as strings since form encoding is textual. A container
// whose segments are all numeric indexes (or empty brackets) becomes a []any
// ordered by index; any other container becomes a map[string]any. A nil map
// is returned when no field matches prefix.
func DecodeForm(form url.Values, prefix string) (map[string]any, error) {
	keys := make([]string, 0, len(form))
	for key := range form {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	root := &formNode{}
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || rest == "" || rest[0] != '[' {
			continue
		}
		segments, err := splitBrackets(rest)
		if err != nil {
			return nil, fmt.Errorf("decode form: field %s: %w", key, err)
		}
		for _, value := range form[key] {
			if err := root.insert(segments, value); err != nil {
				return nil, fmt.Errorf("decode form: field %s: %w", key, err)
			}
		}
	}

	if len(root.children) == 0 {
		return nil, nil
	}
	out, ok := root.build().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode form: %s is a list, not a mapping", prefix)
	}
	return out, nil
}

// DecodeConstraints is DecodeForm under the "constraints" prefix.
func DecodeConstraints(form url.Values) (map[string]any, error) {
	return DecodeForm(form, "constraints")
}

func splitBrackets(s string) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("missing bracketed segment")
	}
	var segments []string
	for s != "" {
		if s[0] != '[' {
			return nil, fmt.Errorf("unexpected %q outside brackets", s)
		}
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated bracket")
		}
		segments = append(segments, s[1:end])
		s = s[end+1:]
	}
	return segments, nil
}

type formNode struct {
	children map[string]*formNode
	value    *string
	next     int
}

func (n *formNode) insert(segments []string, value string) error {
	cur := n
	for i, seg := range segments {
		last := i == len(segments)-1
		if seg == "" {
			if !last {
				return fmt.Errorf("empty brackets are only allowed as the final segment")
			}
			seg = strconv.Itoa(cur.next)
		}
		if idx, err := strconv.Atoi(seg); err == nil && idx >= cur.next {
			cur.next = idx + 1
		}
		if cur.children == nil {
			cur.children = make(map[string]*formNode)
		}
		child, ok := cur.children[seg]
		if !ok {
			child = &formNode{}
			cur.children[seg] = child
		}
		if last {
			if child.value != nil || len(child.children) > 0 {
				return fmt.Errorf("conflicting values for segment %q", seg)
			}
			v := value
			child.value = &v
			return nil
		}
		if child.value != nil {
			return fmt.Errorf("segment %q is both a value and a container", seg)
		}
		cur = child
	}
	return nil
}

func (n *formNode) build() any {
	if n.value != nil {
		return *n.value
	}

	indexes := make([]int, 0, len(n.children))
	for seg := range n.children {
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || strconv.Itoa(idx) != seg {
			indexes = nil
			break
		}
		indexes = append(indexes, idx)
	}

	if indexes != nil {
		sort.Ints(indexes)
		list := make([]any, 0, len(indexes))
		for _, idx := range indexes {
			list = append(list, n.children[strconv.Itoa(idx)].build())
		}
		return list
	}

	out := make(map[string]any, len(n.children))
	for seg, child := range n.children {
		out[seg] = child.build()
	}
	return out
}
