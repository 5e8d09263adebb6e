package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError reports the first schema violation found in a Wealth document.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid wealth document at %s: %s", e.Path, e.Reason)
}

var hundred = decimal.NewFromInt(100)

// ParseWealth decodes model output into a Wealth. The text is first parsed into
// a generic JSON tree and then validated field by field, so a document that is
// missing a field or carries a value of the wrong type is rejected rather than
// zero-filled.
func ParseWealth(text string) (Wealth, error) {
	body := extractJSONObject(text)
	if body == "" {
		return Wealth{}, &ValidationError{Path: "$", Reason: "no JSON object found"}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return Wealth{}, &ValidationError{Path: "$", Reason: "malformed JSON: " + err.Error()}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Wealth{}, &ValidationError{Path: "$", Reason: "trailing content after JSON object"}
	}

	return ValidateWealth(tree)
}

// ValidateWealth checks a decoded JSON tree (numbers as json.Number) against the
// Wealth schema.
func ValidateWealth(tree any) (Wealth, error) {
	root, ok := tree.(map[string]any)
	if !ok {
		return Wealth{}, &ValidationError{Path: "$", Reason: "expected object, got " + jsonType(tree)}
	}

	var w Wealth

	holdings, err := listField(root, "top_5_holdings", "$")
	if err != nil {
		return Wealth{}, err
	}
	w.TopHoldings = make([]Asset, 0, len(holdings))
	for i, item := range holdings {
		path := fmt.Sprintf("$.top_5_holdings[%d]", i)
		name, value, pct, err := entry(item, "asset", path)
		if err != nil {
			return Wealth{}, err
		}
		w.TopHoldings = append(w.TopHoldings, Asset{Asset: name, Value: value, Percentage: pct})
	}

	nw, err := objectField(root, "net_worth", "$")
	if err != nil {
		return Wealth{}, err
	}
	if w.NetWorth.NetWorth, err = numberField(nw, "net_worth", "$.net_worth"); err != nil {
		return Wealth{}, err
	}
	if w.NetWorth.SOLEquivalent, err = numberField(nw, "sol_equivalent", "$.net_worth"); err != nil {
		return Wealth{}, err
	}

	platforms, err := listField(root, "top_5_platforms", "$")
	if err != nil {
		return Wealth{}, err
	}
	w.TopPlatforms = make([]Platform, 0, len(platforms))
	for i, item := range platforms {
		path := fmt.Sprintf("$.top_5_platforms[%d]", i)
		name, value, pct, err := entry(item, "platform", path)
		if err != nil {
			return Wealth{}, err
		}
		w.TopPlatforms = append(w.TopPlatforms, Platform{Platform: name, Value: value, Percentage: pct})
	}

	return w, nil
}

func entry(item any, nameKey, path string) (string, decimal.Decimal, decimal.Decimal, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return "", decimal.Zero, decimal.Zero, &ValidationError{Path: path, Reason: "expected object, got " + jsonType(item)}
	}
	name, err := stringField(obj, nameKey, path)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}
	value, err := numberField(obj, "value", path)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}
	pct, err := numberField(obj, "percentage", path)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return "", decimal.Zero, decimal.Zero, &ValidationError{Path: path + ".percentage", Reason: "must be between 0 and 100, got " + pct.String()}
	}
	return name, value, pct, nil
}

func listField(obj map[string]any, key, parent string) ([]any, error) {
	path := parent + "." + key
	v, ok := obj[key]
	if !ok {
		return nil, &ValidationError{Path: path, Reason: "missing required field"}
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &ValidationError{Path: path, Reason: "expected array, got " + jsonType(v)}
	}
	if len(list) > MaxTopEntries {
		return nil, &ValidationError{Path: path, Reason: fmt.Sprintf("expected at most %d entries, got %d", MaxTopEntries, len(list))}
	}
	return list, nil
}

func objectField(obj map[string]any, key, parent string) (map[string]any, error) {
	path := parent + "." + key
	v, ok := obj[key]
	if !ok {
		return nil, &ValidationError{Path: path, Reason: "missing required field"}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ValidationError{Path: path, Reason: "expected object, got " + jsonType(v)}
	}
	return m, nil
}

func stringField(obj map[string]any, key, parent string) (string, error) {
	path := parent + "." + key
	v, ok := obj[key]
	if !ok {
		return "", &ValidationError{Path: path, Reason: "missing required field"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Path: path, Reason: "expected string, got " + jsonType(v)}
	}
	if strings.TrimSpace(s) == "" {
		return "", &ValidationError{Path: path, Reason: "must not be empty"}
	}
	return s, nil
}

func numberField(obj map[string]any, key, parent string) (decimal.Decimal, error) {
	path := parent + "." + key
	v, ok := obj[key]
	if !ok {
		return decimal.Zero, &ValidationError{Path: path, Reason: "missing required field"}
	}
	n, ok := v.(json.Number)
	if !ok {
		return decimal.Zero, &ValidationError{Path: path, Reason: "expected number, got " + jsonType(v)}
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, &ValidationError{Path: path, Reason: "not a decimal: " + n.String()}
	}
	return d, nil
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// extractJSONObject strips markdown code fences and surrounding prose, returning
// the outermost {...} span of text.
func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
