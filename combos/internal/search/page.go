package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DecodeError marks a 2xx body that does not match the configured shape.
// It is permanent: retrying returns the same body.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string   { return "search: decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error   { return e.Err }
func (e *DecodeError) Transient() bool { return false }

// Page is the parsed upstream response.
type Page struct {
	IDs         []string // result item ids, in ranking order
	ResultCount int      // clamped to [0, MaxResults]
}

// Position returns the 1-based rank of subjectID, or nil when it is absent
// (or subjectID is empty).
func (p *Page) Position(subjectID string) *int {
	if subjectID == "" {
		return nil
	}
	for i, id := range p.IDs {
		if id == subjectID {
			pos := i + 1
			return &pos
		}
	}
	return nil
}

// ParsePage decodes body per cfg. The count comes from CountField when
// present, else from the number of items; either way it is clamped to the
// endpoint cap so a capped value always reads as "at least cap".
func ParsePage(body []byte, cfg Config) (*Page, error) {
	cfg.Defaults()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &DecodeError{Err: err}
	}

	items, err := walkPath(raw, cfg.ResultPath)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("walk path %q: %w", cfg.ResultPath, err)}
	}

	page := &Page{IDs: make([]string, 0, len(items))}
	for _, item := range items {
		v, ok := lookup(item, cfg.IDField)
		if !ok {
			continue
		}
		if id := asString(v); id != "" {
			page.IDs = append(page.IDs, id)
		}
	}

	count := len(items)
	if v, ok := lookup(raw, cfg.CountField); ok {
		n, err := asInt(v)
		if err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("count field %q: %w", cfg.CountField, err)}
		}
		count = n
	}
	page.ResultCount = min(max(count, 0), cfg.MaxResults)
	return page, nil
}

// walkPath walks a dot-notation path into a JSON value, returning the items
// found at that path. If the path is empty, the root must be an array.
func walkPath(v any, path string) ([]any, error) {
	if path == "" {
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("root is not an array")
		}
		return arr, nil
	}
	current, ok := lookup(v, path)
	if !ok {
		return nil, fmt.Errorf("key %q not found", path)
	}
	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

// lookup follows a dot-notation path through nested objects.
func lookup(v any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func asInt(v any) (int, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n), nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return int(f), nil
	case string:
		return strconv.Atoi(x)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}
