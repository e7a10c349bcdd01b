// Package normalize turns a decoded JSON object into a LocationReport.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"geotrack/internal/model"
)

var (
	latitudeKeys  = []string{"latitude", "lat"}
	longitudeKeys = []string{"longitude", "lng", "lon"}
)

// Report builds a report from obj. Required numbers may arrive as JSON
// numbers or numeric strings; anything else is a *model.ValidationError.
func Report(obj map[string]any) (model.LocationReport, error) {
	var r model.LocationReport

	id, ok := lookup(obj, "device_id")
	if !ok {
		return r, model.Invalid("device_id", "required")
	}
	switch v := id.(type) {
	case string:
		r.DeviceID = strings.TrimSpace(v)
	case json.Number:
		r.DeviceID = v.String()
	default:
		return r, model.Invalid("device_id", "must be a string")
	}
	if r.DeviceID == "" {
		return r, model.Invalid("device_id", "required")
	}

	var err error
	if r.Latitude, err = required(obj, "latitude", latitudeKeys...); err != nil {
		return r, err
	}
	if r.Longitude, err = required(obj, "longitude", longitudeKeys...); err != nil {
		return r, err
	}
	if r.Timestamp, err = required(obj, "timestamp"); err != nil {
		return r, err
	}
	if r.Accuracy, err = optional(obj, "accuracy"); err != nil {
		return r, err
	}
	if r.Altitude, err = optional(obj, "altitude"); err != nil {
		return r, err
	}
	if r.Speed, err = optional(obj, "speed"); err != nil {
		return r, err
	}
	if r.BatteryLevel, err = optional(obj, "battery_level"); err != nil {
		return r, err
	}
	return r, r.Validate()
}

func lookup(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func required(obj map[string]any, field string, keys ...string) (float64, error) {
	if len(keys) == 0 {
		keys = []string{field}
	}
	v, ok := lookup(obj, keys...)
	if !ok {
		return 0, model.Invalid(field, "required")
	}
	f, ok := Number(v)
	if !ok {
		return 0, model.Invalid(field, "must be numeric")
	}
	return f, nil
}

func optional(obj map[string]any, field string) (*float64, error) {
	v, ok := lookup(obj, field)
	if !ok {
		return nil, nil
	}
	f, ok := Number(v)
	if !ok {
		return nil, model.Invalid(field, "must be numeric")
	}
	return &f, nil
}

// Number accepts float64, json.Number and numeric strings. NaN and
// infinities are refused.
func Number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
