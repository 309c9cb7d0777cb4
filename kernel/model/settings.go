package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Settings maps decoded from yaml.v2 carry interface{} keys for nested maps and
// []interface{} for lists, so the helpers below normalize as they read.

func SettingString(settings map[string]any, key, def string) string {
	v, found := settings[key]
	if !found || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

func SettingInt(settings map[string]any, key string, def int) (int, error) {
	v, found := settings[key]
	if !found || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, errors.Wrapf(err, "setting [%s]", key)
		}
		return i, nil
	}
	return 0, errors.Errorf("setting [%s] must be an integer, got %T", key, v)
}

func SettingBool(settings map[string]any, key string, def bool) bool {
	v, found := settings[key]
	if !found || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		if err == nil {
			return parsed
		}
	}
	return def
}

func SettingDuration(settings map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, found := settings[key]
	if !found || v == nil {
		return def, nil
	}
	return ParseDuration(v)
}

// ParseDuration accepts Go duration strings or a plain number of seconds.
func ParseDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case string:
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid duration [%s]", d)
		}
		return parsed, nil
	}
	return 0, errors.Errorf("invalid duration %v (%T)", v, v)
}

// SettingArgv reads either a list or a single string (split on whitespace is not attempted; a
// single string becomes a shell invocation).
func SettingArgv(settings map[string]any, key string) []string {
	v, found := settings[key]
	if !found || v == nil {
		return nil
	}
	switch cmd := v.(type) {
	case string:
		return []string{"/bin/sh", "-c", cmd}
	case []string:
		return append([]string(nil), cmd...)
	case []any:
		argv := make([]string, 0, len(cmd))
		for _, part := range cmd {
			argv = append(argv, fmt.Sprint(part))
		}
		return argv
	}
	return nil
}

// SettingStrings reads a list of strings; a single string is a list of one.
func SettingStrings(settings map[string]any, key string) []string {
	switch v := settings[key].(type) {
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, part := range v {
			out = append(out, fmt.Sprint(part))
		}
		return out
	}
	return nil
}

func SettingStringMap(settings map[string]any, key string) map[string]string {
	v, found := settings[key]
	if !found || v == nil {
		return nil
	}
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	case map[string]any:
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
	case map[any]any:
		for k, val := range m {
			out[fmt.Sprint(k)] = fmt.Sprint(val)
		}
	}
	return out
}
