package classify

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"trapper_platform/trapper/schema"
)

var ErrValidation = errors.New("classification values are invalid")

// ValidationError carries one message per offending field. Dynamic row fields are keyed
// as "<row>.<name>".
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%v: %v", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

var timeOfDay = regexp.MustCompile(`^(\d{2}):([0-5]\d):([0-5]\d)$`)

func parseClock(s string) (int, error) {
	m := timeOfDay.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("time %q must be in HH:MM:SS format", s)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	return h*3600 + mi*60 + sec, nil
}

// ParseTimeRange validates an annotation "start-end" pair, end must not precede start.
func ParseTimeRange(s string) (string, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return "", fmt.Errorf("time range %q must be formatted as HH:MM:SS-HH:MM:SS", s)
	}
	startSec, err := parseClock(start)
	if err != nil {
		return "", err
	}
	endSec, err := parseClock(end)
	if err != nil {
		return "", err
	}
	if endSec < startSec {
		return "", fmt.Errorf("end of time range %q precedes its start", s)
	}
	return strings.TrimSpace(start) + "-" + strings.TrimSpace(end), nil
}

func timeRangeString(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		start, _ := v["start"].(string)
		end, _ := v["end"].(string)
		return start + "-" + end, nil
	}
	return "", fmt.Errorf("unsupported time range value %v", raw)
}

func isBlank(raw interface{}) bool {
	if raw == nil {
		return true
	}
	s, ok := raw.(string)
	return ok && strings.TrimSpace(s) == ""
}

// Coerce converts a raw submitted value, as decoded from json or read from a table, into
// the scalar kind of the field.
func Coerce(field Field, raw interface{}) (schema.AttrValue, error) {
	if field.Input == InputTimeRange {
		s, err := timeRangeString(raw)
		if err != nil {
			return schema.AttrValue{}, err
		}
		s, err = ParseTimeRange(s)
		if err != nil {
			return schema.AttrValue{}, err
		}
		return schema.StringValue(s), nil
	}

	var value schema.AttrValue
	switch field.Kind {
	case schema.KindBool:
		switch v := raw.(type) {
		case bool:
			value = schema.BoolValue(v)
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return value, fmt.Errorf("%q is not a boolean", v)
			}
			value = schema.BoolValue(b)
		default:
			return value, fmt.Errorf("%v is not a boolean", raw)
		}
	case schema.KindInt:
		switch v := raw.(type) {
		case float64:
			if v != math.Trunc(v) {
				return value, fmt.Errorf("%v is not an integer", v)
			}
			value = schema.IntValue(int64(v))
		case int:
			value = schema.IntValue(int64(v))
		case int64:
			value = schema.IntValue(v)
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return value, fmt.Errorf("%q is not an integer", v)
			}
			value = schema.IntValue(i)
		default:
			return value, fmt.Errorf("%v is not an integer", raw)
		}
	case schema.KindFloat:
		switch v := raw.(type) {
		case float64:
			value = schema.FloatValue(v)
		case int:
			value = schema.FloatValue(float64(v))
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return value, fmt.Errorf("%q is not a number", v)
			}
			value = schema.FloatValue(f)
		default:
			return value, fmt.Errorf("%v is not a number", raw)
		}
	default:
		switch v := raw.(type) {
		case string:
			value = schema.StringValue(v)
		case float64:
			value = schema.StringValue(strconv.FormatFloat(v, 'f', -1, 64))
		case bool:
			value = schema.StringValue(strconv.FormatBool(v))
		default:
			return value, fmt.Errorf("%v is not text", raw)
		}
	}

	if len(field.Choices) > 0 && field.Input != InputCheckbox {
		s := value.String()
		found := false
		for _, c := range field.Choices {
			if c.Value == s {
				found = true
				break
			}
		}
		if !found {
			return value, fmt.Errorf("%q is not one of the available choices", s)
		}
	}
	return value, nil
}

func validateGroup(fields []Field, raw map[string]interface{}, resourceType, prefix string, errs map[string]string) schema.AttrBag {
	bag := schema.AttrBag{}
	known := map[string]bool{}
	for _, field := range fields {
		known[field.Name] = true
		value, present := raw[field.Name]
		if field.VideoOnly && resourceType != schema.VideoResource {
			if present && !isBlank(value) {
				errs[prefix+field.Name] = "only available for video resources"
			}
			continue
		}
		if !present || isBlank(value) {
			if field.Required {
				errs[prefix+field.Name] = "this field is required"
			}
			continue
		}
		v, err := Coerce(field, value)
		if err != nil {
			errs[prefix+field.Name] = err.Error()
			continue
		}
		bag[field.Name] = v
	}
	for name := range raw {
		if !known[name] {
			errs[prefix+name] = ErrUnknownAttribute.Error()
		}
	}
	return bag
}

// Validate checks submitted values against the form and returns the typed bags. Any
// failure is reported as a *ValidationError listing every offending field.
func (f Form) Validate(static map[string]interface{}, dynamic []map[string]interface{}, resourceType string) (schema.AttrBag, []schema.AttrBag, error) {
	errs := map[string]string{}

	staticBag := validateGroup(f.Static, static, resourceType, "", errs)

	dynamicBags := make([]schema.AttrBag, 0, len(dynamic))
	for i, row := range dynamic {
		dynamicBags = append(dynamicBags, validateGroup(f.Dynamic, row, resourceType, fmt.Sprintf("%d.", i), errs))
	}

	if len(errs) > 0 {
		return nil, nil, &ValidationError{Fields: errs}
	}
	return staticBag, dynamicBags, nil
}
