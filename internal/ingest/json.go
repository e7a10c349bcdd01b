package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"geotrack/internal/model"
	"geotrack/internal/normalize"
)

// DecodeReport parses one JSON object into a report.
func DecodeReport(data []byte) (model.LocationReport, error) {
	v, err := decode(data)
	if err != nil {
		return model.LocationReport{}, err
	}
	return fromValue(v)
}

// DecodeBatch accepts a single object or an array of objects. The outer
// error is set only when the payload is not JSON at all; per-item problems
// are reported in errs, aligned with the returned slice.
func DecodeBatch(data []byte) ([]model.LocationReport, []error, error) {
	v, err := decode(data)
	if err != nil {
		return nil, nil, err
	}
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	reports := make([]model.LocationReport, len(items))
	errs := make([]error, len(items))
	for i, item := range items {
		reports[i], errs[i] = fromValue(item)
	}
	return reports, errs, nil
}

func decode(data []byte) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, model.Invalid("", "empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, model.Invalid("", fmt.Sprintf("malformed json: %v", err))
	}
	if dec.More() {
		return nil, model.Invalid("", "trailing data after json value")
	}
	return v, nil
}

func fromValue(v any) (model.LocationReport, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return model.LocationReport{}, model.Invalid("", "report must be a json object")
	}
	return normalize.Report(obj)
}
