package modkit

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/golobby/cast"
)

// ConfigField declares a single module configuration key.
type ConfigField struct {
	Type     string `json:"type" yaml:"type" toml:"type"` // string, int, float, bool, duration
	Required bool   `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
}

// ConfigSchema is a module's declared configuration contract, keyed by
// field name.
type ConfigSchema map[string]ConfigField

// Apply merges defaults into values and validates the result against the
// schema. All violations are aggregated into a single *ValidationError
// rather than failing on the first.
func (s ConfigSchema) Apply(subject string, values map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(values)+len(s))
	for k, v := range values {
		merged[k] = v
	}

	var violations []FieldViolation
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := s[name]
		value, present := merged[name]
		if !present {
			if field.Default != nil {
				merged[name] = field.Default
				continue
			}
			if field.Required {
				violations = append(violations, FieldViolation{Field: name, Message: "required field is missing"})
			}
			continue
		}
		coerced, err := coerceValue(value, field.Type)
		if err != nil {
			violations = append(violations, FieldViolation{Field: name, Message: err.Error()})
			continue
		}
		merged[name] = coerced
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Subject: subject, Violations: violations}
	}
	return merged, nil
}

// coerceValue converts a raw config value into the declared field type.
// String inputs go through golobby/cast the same way environment feeders
// convert them.
func coerceValue(value any, fieldType string) (any, error) {
	switch fieldType {
	case "", "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", value)
	case "int":
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
			return nil, fmt.Errorf("expected int, got fractional %v", v)
		case string:
			return castFromString(v, reflect.TypeOf(0))
		}
		return nil, fmt.Errorf("expected int, got %T", value)
	case "float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			return castFromString(v, reflect.TypeOf(float64(0)))
		}
		return nil, fmt.Errorf("expected float, got %T", value)
	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return castFromString(v, reflect.TypeOf(false))
		}
		return nil, fmt.Errorf("expected bool, got %T", value)
	case "duration":
		switch v := value.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return d, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		}
		return nil, fmt.Errorf("expected duration, got %T", value)
	default:
		return nil, fmt.Errorf("unknown field type %q", fieldType)
	}
}

func castFromString(value string, t reflect.Type) (any, error) {
	converted, err := cast.FromType(value, t)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %q to %s", value, t)
	}
	return converted, nil
}

// Config is the read-only accessor handed to modules through their
// context. Getters coerce on read and fall back to the supplied default.
type Config struct {
	values map[string]any
}

// NewConfig wraps a value map; nil is treated as empty.
func NewConfig(values map[string]any) *Config {
	if values == nil {
		values = map[string]any{}
	}
	return &Config{values: values}
}

// Get returns the raw value for key.
func (c *Config) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// String returns the value for key coerced to string, or def.
func (c *Config) String(key, def string) string {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Int returns the value for key coerced to int, or def.
func (c *Config) Int(key string, def int) int {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	coerced, err := coerceValue(v, "int")
	if err != nil {
		return def
	}
	return coerced.(int)
}

// Float returns the value for key coerced to float64, or def.
func (c *Config) Float(key string, def float64) float64 {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	coerced, err := coerceValue(v, "float")
	if err != nil {
		return def
	}
	return coerced.(float64)
}

// Bool returns the value for key coerced to bool, or def.
func (c *Config) Bool(key string, def bool) bool {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	coerced, err := coerceValue(v, "bool")
	if err != nil {
		return def
	}
	return coerced.(bool)
}

// Duration returns the value for key coerced to a duration, or def.
func (c *Config) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	coerced, err := coerceValue(v, "duration")
	if err != nil {
		return def
	}
	return coerced.(time.Duration)
}
