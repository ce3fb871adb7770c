package tools

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/go-playground/validator/v10"
)

// formatTags maps JSON-schema "format" values onto validator tags.
var formatTags = map[string]string{
	"uri":   "http_url",
	"url":   "http_url",
	"email": "email",
	"uuid":  "uuid",
}

var formatValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateArgs checks args against a JSON-schema-shaped map. It supports
// required, properties, additionalProperties, type, enum, format, minimum,
// maximum, maxLength and items.type, which is all the built-in tools
// declare.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	required, err := parseRequired(schema["required"])
	if err != nil {
		return err
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	properties, hasProperties := schema["properties"].(map[string]any)
	additionalAllowed := true
	if v, ok := schema["additionalProperties"].(bool); ok {
		additionalAllowed = v
	}

	for _, key := range sortedArgKeys(args) {
		value := args[key]
		prop, ok := properties[key].(map[string]any)
		if !ok {
			if hasProperties && !additionalAllowed {
				return fmt.Errorf("unknown argument %q", key)
			}
			continue
		}
		if err := validateValue(key, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(key string, prop map[string]any, value any) error {
	if typ, ok := prop["type"].(string); ok && !matchesType(typ, value) {
		return fmt.Errorf("argument %q must be %s", key, typ)
	}
	if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
		found := false
		for _, e := range enum {
			if reflect.DeepEqual(e, value) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("argument %q must be one of %v", key, enum)
		}
	}
	if format, ok := prop["format"].(string); ok {
		if tag, known := formatTags[format]; known {
			s, _ := value.(string)
			if err := formatValidator.Var(s, tag); err != nil {
				return fmt.Errorf("argument %q must be a valid %s", key, format)
			}
		}
	}
	if n, ok := toFloat(value); ok {
		if lo, ok := toFloat(prop["minimum"]); ok && n < lo {
			return fmt.Errorf("argument %q must be >= %v", key, lo)
		}
		if hi, ok := toFloat(prop["maximum"]); ok && n > hi {
			return fmt.Errorf("argument %q must be <= %v", key, hi)
		}
	}
	if s, ok := value.(string); ok {
		if maxLen, ok := toFloat(prop["maxLength"]); ok && float64(len(s)) > maxLen {
			return fmt.Errorf("argument %q exceeds %v characters", key, maxLen)
		}
	}
	if items, ok := prop["items"].(map[string]any); ok {
		if typ, ok := items["type"].(string); ok {
			rv := reflect.ValueOf(value)
			if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
				for i := range rv.Len() {
					if !matchesType(typ, rv.Index(i).Interface()) {
						return fmt.Errorf("argument %q[%d] must be %s", key, i, typ)
					}
				}
			}
		}
	}
	return nil
}

// checkSchema rejects schemas that ValidateArgs cannot interpret.
func checkSchema(schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if _, err := parseRequired(schema["required"]); err != nil {
		return err
	}
	if raw, ok := schema["additionalProperties"]; ok {
		if _, isBool := raw.(bool); !isBool {
			return errors.New(`schema "additionalProperties" must be a bool`)
		}
	}
	if raw, ok := schema["properties"]; ok {
		props, isMap := raw.(map[string]any)
		if !isMap {
			return errors.New(`schema "properties" must be an object`)
		}
		for name, p := range props {
			if _, isMap := p.(map[string]any); !isMap {
				return fmt.Errorf("schema property %q must be an object", name)
			}
		}
	}
	return nil
}

func parseRequired(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New(`schema "required" entries must be strings`)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.New(`schema "required" must be an array`)
	}
}

func matchesType(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "integer":
		f, ok := toFloat(value)
		return ok && f == math.Trunc(f)
	case "object":
		if value == nil {
			return false
		}
		return reflect.TypeOf(value).Kind() == reflect.Map
	case "array":
		if value == nil {
			return false
		}
		k := reflect.TypeOf(value).Kind()
		return k == reflect.Slice || k == reflect.Array
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sortedArgKeys(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
