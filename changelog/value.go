package changelog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValueKind tags the variant held by a Value
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueString
	ValueNumber
	ValueBinary
	ValueBool
	ValueList
	ValueMap
	ValueStringSet
	ValueNumberSet
	ValueBinarySet
)

// Value is a schema-agnostic attribute value. Numbers keep their decimal text
// so no precision is lost between the log and the bus.
type Value struct {
	Kind    ValueKind        `msgpack:"k"`
	Text    string           `msgpack:"t,omitempty"` // String and Number
	Bytes   []byte           `msgpack:"b,omitempty"` // Binary
	Bool    bool             `msgpack:"o,omitempty"`
	List    []Value          `msgpack:"l,omitempty"`
	Map     map[string]Value `msgpack:"m,omitempty"`
	Strings []string         `msgpack:"ss,omitempty"` // StringSet and NumberSet
	Blobs   [][]byte         `msgpack:"bs,omitempty"` // BinarySet
}

// Image is a record image: attribute name to value
type Image map[string]Value

// Constructors for each value variant
func String(s string) Value        { return Value{Kind: ValueString, Text: s} }
func Number(n string) Value        { return Value{Kind: ValueNumber, Text: n} }
func Binary(b []byte) Value        { return Value{Kind: ValueBinary, Bytes: b} }
func Bool(b bool) Value            { return Value{Kind: ValueBool, Bool: b} }
func Null() Value                  { return Value{Kind: ValueNull} }
func List(vs ...Value) Value       { return Value{Kind: ValueList, List: vs} }
func Map(m map[string]Value) Value { return Value{Kind: ValueMap, Map: m} }
func StringSet(ss ...string) Value { return Value{Kind: ValueStringSet, Strings: ss} }
func NumberSet(ns ...string) Value { return Value{Kind: ValueNumberSet, Strings: ns} }
func BinarySet(bs ...[]byte) Value { return Value{Kind: ValueBinarySet, Blobs: bs} }

// Plain converts the value into ordinary Go values. Numbers become
// json.Number, binary stays []byte (base64 once marshalled to JSON).
func (v Value) Plain() any {
	switch v.Kind {
	case ValueString:
		return v.Text
	case ValueNumber:
		return json.Number(v.Text)
	case ValueBinary:
		return v.Bytes
	case ValueBool:
		return v.Bool
	case ValueList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Plain()
		}
		return out
	case ValueMap:
		out := make(map[string]any, len(v.Map))
		for k, item := range v.Map {
			out[k] = item.Plain()
		}
		return out
	case ValueStringSet:
		return append([]string(nil), v.Strings...)
	case ValueNumberSet:
		out := make([]json.Number, len(v.Strings))
		for i, n := range v.Strings {
			out[i] = json.Number(n)
		}
		return out
	case ValueBinarySet:
		return append([][]byte(nil), v.Blobs...)
	default:
		return nil
	}
}

// Plain converts the image into a map of ordinary Go values.
// A nil image yields nil so absent images stay distinguishable from empty ones.
func (img Image) Plain() map[string]any {
	if img == nil {
		return nil
	}
	out := make(map[string]any, len(img))
	for k, v := range img {
		out[k] = v.Plain()
	}
	return out
}

// CheckNumbers reports the first number, at any depth, whose text is not a
// valid JSON number literal. Such a value could never be marshalled.
func (img Image) CheckNumbers() error {
	for name, v := range img {
		if err := v.checkNumbers(name); err != nil {
			return err
		}
	}
	return nil
}

func (v Value) checkNumbers(path string) error {
	switch v.Kind {
	case ValueNumber:
		return checkNumber(path, v.Text)
	case ValueNumberSet:
		for _, n := range v.Strings {
			if err := checkNumber(path, n); err != nil {
				return err
			}
		}
	case ValueList:
		for i, item := range v.List {
			if err := item.checkNumbers(fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case ValueMap:
		for k, item := range v.Map {
			if err := item.checkNumbers(path + "." + k); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkNumber(path, text string) error {
	// json.Number marshals "" as 0, which would hide a missing value
	if text == "" {
		return fmt.Errorf("attribute %s has an empty number", path)
	}
	if _, err := json.Marshal(json.Number(text)); err != nil {
		return fmt.Errorf("attribute %s has invalid number %q", path, text)
	}
	return nil
}

// KeyString renders key attributes in name order, joined by "/".
// A single-attribute key renders as just its value.
func (img Image) KeyString() string {
	if len(img) == 0 {
		return ""
	}
	names := make([]string, 0, len(img))
	for name := range img {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		v := img[name]
		switch v.Kind {
		case ValueString, ValueNumber:
			parts[i] = v.Text
		case ValueBinary:
			parts[i] = base64.RawURLEncoding.EncodeToString(v.Bytes)
		default:
			b, _ := json.Marshal(v.Plain())
			parts[i] = string(b)
		}
	}
	return strings.Join(parts, "/")
}
