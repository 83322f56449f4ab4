package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("validation failed")

// Validator validates structs using `validate` tags. Supported rules:
// required, min=N, max=N (length for strings, slices and maps, value for
// numbers) and oneof=a|b|c.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return fmt.Errorf("%w: nil value", ErrInvalid)
		}
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, fieldName(fieldType), err)
		}
	}

	return nil
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name := strings.Split(tag, ",")[0]; name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")

	for _, rule := range rules {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "min", "max":
			if len(parts) < 2 {
				return fmt.Errorf("rule %s needs a bound", ruleName)
			}
			bound, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return fmt.Errorf("rule %s: invalid bound %q", ruleName, parts[1])
			}
			n, isLen, ok := measure(field)
			if !ok {
				continue
			}
			if ruleName == "min" && n < bound {
				if isLen {
					return fmt.Errorf("minimum length is %s", parts[1])
				}
				return fmt.Errorf("minimum is %s", parts[1])
			}
			if ruleName == "max" && n > bound {
				if isLen {
					return fmt.Errorf("maximum length is %s", parts[1])
				}
				return fmt.Errorf("maximum is %s", parts[1])
			}

		case "oneof":
			if len(parts) < 2 || field.Kind() != reflect.String {
				continue
			}
			if field.String() == "" {
				continue
			}
			allowed := strings.Split(parts[1], "|")
			found := false
			for _, a := range allowed {
				if field.String() == a {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
			}
		}
	}

	return nil
}

// measure returns the length or numeric value the bound rules compare
func measure(field reflect.Value) (n float64, isLen bool, ok bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return float64(field.Len()), true, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), false, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), false, true
	case reflect.Float32, reflect.Float64:
		return field.Float(), false, true
	}
	return 0, false, false
}
