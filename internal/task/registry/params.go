package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Params is the decoded params object of a task.
// JSON numbers arrive as float64; the accessors coerce them.
type Params map[string]any

// Has reports whether key is present and non-null.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// Float returns p[key] as float64, or def when absent.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return def, fmt.Errorf("param %q: %w", key, err)
		}
		return f, nil
	default:
		return def, fmt.Errorf("param %q: want number, got %T", key, v)
	}
}

// Int returns p[key] as int. Fractional numbers are rejected.
func (p Params) Int(key string, def int) (int, error) {
	if !p.Has(key) {
		return def, nil
	}
	f, err := p.Float(key, float64(def))
	if err != nil {
		return def, err
	}
	if f != math.Trunc(f) {
		return def, fmt.Errorf("param %q: %v is not an integer", key, f)
	}
	return int(f), nil
}

// String returns p[key] as string, or def when absent.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return def, fmt.Errorf("param %q: want string, got %T", key, v)
	}
	return s, nil
}

// Time parses p[key] as RFC3339 or YYYY-MM-DD (UTC), or returns def when absent.
func (p Params) Time(key string, def time.Time) (time.Time, error) {
	s, err := p.String(key, "")
	if err != nil {
		return def, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return def, fmt.Errorf("param %q: %w", key, err)
	}
	return t, nil
}
