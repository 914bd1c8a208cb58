package device

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Args is a parsed device argument string such as
// "driver=pluto,addr=192.168.2.1:30431".
type Args map[string]string

// ParseArgs splits a comma separated list of key=value pairs. Keys are
// lower-cased, surrounding whitespace is dropped, and a bare word is taken
// as the driver name.
func ParseArgs(s string) (Args, error) {
	args := Args{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			if _, dup := args["driver"]; dup {
				return nil, fmt.Errorf("parse device args %q: bare word %q", s, part)
			}
			args["driver"] = part
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, fmt.Errorf("parse device args %q: empty key", s)
		}
		args[key] = strings.TrimSpace(value)
	}
	return args, nil
}

// String renders args in sorted key order.
func (a Args) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+a[k])
	}
	return strings.Join(parts, ",")
}

// Get returns the value for key or def when unset or empty.
func (a Args) Get(key, def string) string {
	if v, ok := a[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns key parsed as an integer.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("device arg %s=%q: %w", key, v, err)
	}
	return n, nil
}

// Float returns key parsed as a float.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("device arg %s=%q: %w", key, v, err)
	}
	return f, nil
}

// Bool returns key parsed as a boolean.
func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("device arg %s=%q: %w", key, v, err)
	}
	return b, nil
}
