// Package field holds the runtime field registry of every (module, entity)
// and validates candidate record values against it.
package field

import (
	"encoding/json"
	"fmt"
	"math"
	"path"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pitabwire/ledgerly/model"
)

// Mode selects how missing keys are treated by ValidateData.
type Mode int

const (
	// ModeCreate validates every enabled field, applying defaults for missing keys.
	ModeCreate Mode = iota
	// ModeUpdate validates only the keys present in the proposal.
	ModeUpdate
)

// Categories maps a category source name to its set of valid ids.
type Categories map[string]map[string]bool

// dateLayouts are tried in order when parsing date values.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

var regexCache sync.Map

// Validate decides whether raw is acceptable for f. It returns the
// normalized value on success. categories supplies the resolved ids for
// fields with a CategorySource and may be nil otherwise.
func Validate(f *model.FieldDefinition, raw any, categories Categories) (any, *model.FieldError) {
	if isEmpty(raw) {
		if f.Required {
			return nil, violation(f, model.ViolationRequired, "required")
		}
		return nil, nil
	}

	switch f.Type {
	case model.FieldNumber:
		return validateNumber(f, raw)
	case model.FieldDate:
		return validateDate(f, raw)
	case model.FieldText, model.FieldTextarea:
		return validateText(f, raw)
	case model.FieldSelect, model.FieldRadio:
		return validateOption(f, raw, categories)
	case model.FieldFile, model.FieldImage:
		return validateFile(f, raw)
	case model.FieldCheckbox:
		return validateCheckbox(f, raw, categories)
	default:
		return nil, violation(f, model.ViolationInvalidType, fmt.Sprintf("unsupported field type %q", f.Type))
	}
}

// ValidateData validates a record payload against the enabled fields and
// reports every violation, not just the first. In ModeCreate missing keys
// take the field default; in ModeUpdate only present keys are checked.
func ValidateData(fields []model.FieldDefinition, data map[string]any, mode Mode, categories Categories) (map[string]any, []model.FieldError) {
	ordered := make([]model.FieldDefinition, 0, len(fields))
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !f.IsEnabled {
			continue
		}
		ordered = append(ordered, f)
		known[f.Key] = true
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	out := make(map[string]any, len(data))
	var violations []model.FieldError

	for i := range ordered {
		f := &ordered[i]
		raw, present := data[f.Key]
		if !present {
			if mode == ModeUpdate {
				continue
			}
			raw = f.DefaultValue
		}
		v, ferr := Validate(f, raw, categories)
		if ferr != nil {
			violations = append(violations, *ferr)
			continue
		}
		if v != nil || present {
			out[f.Key] = v
		}
	}

	var unknown []string
	for k := range data {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		violations = append(violations, model.FieldError{
			Field:   k,
			Code:    model.ViolationUnknownField,
			Message: fmt.Sprintf("%s is not a field of this entity", k),
		})
	}

	return out, violations
}

// Equal reports whether two normalized values are the same for diffing.
func Equal(a, b any) bool {
	if isEmpty(a) && isEmpty(b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func validateNumber(f *model.FieldDefinition, raw any) (any, *model.FieldError) {
	n, ok := toFloat(raw)
	if !ok {
		if s, isStr := raw.(string); isStr {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil {
				n, ok = parsed, true
			}
		}
	}
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, violation(f, model.ViolationNotNumeric, "must be a number")
	}
	if rule := f.Validation; rule != nil {
		if rule.Min != nil && n < *rule.Min {
			return nil, violation(f, model.ViolationBelowMin, fmt.Sprintf("must be at least %s", formatFloat(*rule.Min)))
		}
		if rule.Max != nil && n > *rule.Max {
			return nil, violation(f, model.ViolationAboveMax, fmt.Sprintf("must be at most %s", formatFloat(*rule.Max)))
		}
	}
	return n, nil
}

func validateDate(f *model.FieldDefinition, raw any) (any, *model.FieldError) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			t, err := time.Parse(layout, s)
			if err != nil {
				continue
			}
			if layout == "2006-01-02" {
				return t.Format("2006-01-02"), nil
			}
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return nil, violation(f, model.ViolationInvalidDate, "must be a valid date")
}

func validateText(f *model.FieldDefinition, raw any) (any, *model.FieldError) {
	s, ok := raw.(string)
	if !ok {
		return nil, violation(f, model.ViolationInvalidType, "must be text")
	}
	rule := f.Validation
	if rule == nil {
		return s, nil
	}
	if rule.Regex != "" {
		re, err := compileRegex(rule.Regex)
		if err != nil {
			return nil, violation(f, model.ViolationPattern, "has an invalid pattern configured")
		}
		if !re.MatchString(s) {
			return nil, violation(f, model.ViolationPattern, "does not match the required format")
		}
	}
	n := float64(utf8.RuneCountInString(s))
	if rule.Min != nil && n < *rule.Min {
		return nil, violation(f, model.ViolationTooShort, fmt.Sprintf("must be at least %s characters", formatFloat(*rule.Min)))
	}
	if rule.Max != nil && n > *rule.Max {
		return nil, violation(f, model.ViolationTooLong, fmt.Sprintf("must be at most %s characters", formatFloat(*rule.Max)))
	}
	return s, nil
}

func validateOption(f *model.FieldDefinition, raw any, categories Categories) (any, *model.FieldError) {
	s, ok := optionValue(raw)
	if !ok || !allowedOption(f, s, categories) {
		return nil, violation(f, model.ViolationInvalidOption, "invalid option")
	}
	return s, nil
}

func validateCheckbox(f *model.FieldDefinition, raw any, categories Categories) (any, *model.FieldError) {
	if len(f.Options) == 0 && f.CategorySource == "" {
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}
		return nil, violation(f, model.ViolationInvalidType, "must be true or false")
	}

	items, ok := raw.([]any)
	if !ok {
		if ss, isStrings := raw.([]string); isStrings {
			for _, s := range ss {
				items = append(items, s)
			}
		} else {
			items = []any{raw}
		}
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		s, ok := optionValue(it)
		if !ok || !allowedOption(f, s, categories) {
			return nil, violation(f, model.ViolationInvalidOption, "invalid option")
		}
		out = append(out, s)
	}
	return out, nil
}

func validateFile(f *model.FieldDefinition, raw any) (any, *model.FieldError) {
	var name string
	var size float64
	switch v := raw.(type) {
	case string:
		name = v
	case map[string]any:
		name, _ = v["name"].(string)
		if name == "" {
			name, _ = v["url"].(string)
		}
		size, _ = toFloat(v["size"])
	default:
		return nil, violation(f, model.ViolationInvalidType, "must be a file reference")
	}
	if name == "" {
		return nil, violation(f, model.ViolationInvalidType, "must be a file reference")
	}

	rule := f.Validation
	if rule == nil {
		return raw, nil
	}
	if len(rule.AllowedFileTypes) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(stripQuery(name)), "."))
		allowed := false
		for _, t := range rule.AllowedFileTypes {
			if strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), ".")) == ext {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, violation(f, model.ViolationFileType,
				fmt.Sprintf("file type %q is not allowed", ext))
		}
	}
	if rule.MaxFileSize > 0 && size > float64(rule.MaxFileSize) {
		return nil, violation(f, model.ViolationFileTooLarge,
			fmt.Sprintf("file exceeds %d bytes", rule.MaxFileSize))
	}
	return raw, nil
}

func allowedOption(f *model.FieldDefinition, value string, categories Categories) bool {
	if f.CategorySource != "" {
		return categories[f.CategorySource][value]
	}
	return f.HasOption(value)
}

func optionValue(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case float64:
		return formatFloat(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func violation(f *model.FieldDefinition, code, msg string) *model.FieldError {
	label := f.Label
	if label == "" {
		label = f.Key
	}
	return &model.FieldError{Field: f.Key, Code: code, Message: label + " " + msg}
}
