// Package mapping applies declarative field-mapping rules to arbitrary JSON
// results, producing patches against typed entities. It never branches on
// entity type; all type-specific behavior lives in the configs callers
// supply.
package mapping

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/xjson"
)

// Mapping describes how one target field is produced. In JSON form it is
// either a bare source field name or an object with from/transform/default.
type Mapping struct {
	From         string      `json:"from"`
	Transform    string      `json:"transform,omitempty"`
	DefaultValue interface{} `json:"defaultValue,omitempty"`
}

func (m *Mapping) UnmarshalJSON(data []byte) error {
	var name string
	if err := xjson.Unmarshal(data, &name); err == nil {
		*m = Mapping{From: name}
		return nil
	}

	type alias Mapping
	var full alias
	if err := xjson.Unmarshal(data, &full); err != nil {
		return err
	}
	*m = Mapping(full)
	return nil
}

type StatusValues struct {
	Pending   interface{} `json:"pending,omitempty"`
	Completed interface{} `json:"completed,omitempty"`
	Error     interface{} `json:"error,omitempty"`
}

type Config struct {
	Mappings        map[string]Mapping                `json:"mappings"`
	EnumConversions map[string]map[string]interface{} `json:"enumConversions,omitempty"`
	StatusField     string                            `json:"statusField,omitempty"`
	StatusValues    *StatusValues                     `json:"statusValues,omitempty"`
}

func (c *Config) Validate() error {
	for target, m := range c.Mappings {
		if target == "" {
			return domain.NewValidationError("mapping target field is empty", nil)
		}
		if m.From == "" && m.DefaultValue == nil {
			return domain.NewValidationError("mapping has neither source field nor default", map[string]interface{}{
				"target": target,
			})
		}
		if m.Transform != "" {
			if _, ok := transforms[m.Transform]; !ok {
				return domain.NewValidationError(fmt.Sprintf("unknown transform %q", m.Transform), map[string]interface{}{
					"target": target,
				})
			}
		}
	}
	return nil
}

// Apply maps source onto patch according to cfg and returns patch. Fields
// absent from source are filled from DefaultValue when present and skipped
// otherwise; nothing is ever written as a bare nil unless a config default
// says so. Applying the same source twice yields the same patch.
func Apply(source map[string]interface{}, cfg *Config, patch map[string]interface{}, logger *slog.Logger) map[string]interface{} {
	if patch == nil {
		patch = make(map[string]interface{})
	}
	if logger == nil {
		logger = slog.Default()
	}

	for target, m := range cfg.Mappings {
		value, found := LookupPath(source, m.From)
		if !found {
			if m.DefaultValue != nil {
				setPath(patch, target, m.DefaultValue)
			}
			continue
		}

		if m.Transform != "" {
			transformed, err := runTransform(m.Transform, value)
			if err != nil {
				logger.Warn("transform failed, falling back to default",
					"target", target,
					"transform", m.Transform,
					"error", err.Error(),
				)
				if m.DefaultValue != nil {
					setPath(patch, target, m.DefaultValue)
				}
				continue
			}
			value = transformed
		}

		if conversions, ok := cfg.EnumConversions[target]; ok {
			converted, ok := conversions[strings.ToLower(fmt.Sprint(value))]
			if !ok {
				logger.Warn("unrecognized enum value, falling back to default",
					"target", target,
					"value", value,
				)
				if m.DefaultValue != nil {
					setPath(patch, target, m.DefaultValue)
				}
				continue
			}
			value = converted
		}

		setPath(patch, target, value)
	}

	return patch
}

// Lifecycle selects which StatusValues entry ApplyStatus writes.
type Lifecycle string

const (
	LifecyclePending   Lifecycle = "pending"
	LifecycleCompleted Lifecycle = "completed"
	LifecycleError     Lifecycle = "error"
)

// ApplyStatus sets the configured lifecycle field on the patch. It is how
// a malformed LLM response pushes an entity back to its error state instead
// of leaving it stale.
func ApplyStatus(cfg *Config, patch map[string]interface{}, state Lifecycle) map[string]interface{} {
	if patch == nil {
		patch = make(map[string]interface{})
	}
	if cfg.StatusField == "" || cfg.StatusValues == nil {
		return patch
	}

	var value interface{}
	switch state {
	case LifecyclePending:
		value = cfg.StatusValues.Pending
	case LifecycleCompleted:
		value = cfg.StatusValues.Completed
	case LifecycleError:
		value = cfg.StatusValues.Error
	}
	if value != nil {
		setPath(patch, cfg.StatusField, value)
	}
	return patch
}

// LookupPath resolves a dotted path against nested maps. It is always
// relative to a single record, never an outer envelope.
func LookupPath(source map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	current := interface{}(source)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(patch map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	current := patch
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// transforms are the named pure value transforms configs may reference.
// They return an error instead of panicking; Apply falls back to the
// mapping default on failure.
var transforms = map[string]func(interface{}) (interface{}, error){
	"lowercase": func(v interface{}) (interface{}, error) {
		return strings.ToLower(fmt.Sprint(v)), nil
	},
	"uppercase": func(v interface{}) (interface{}, error) {
		return strings.ToUpper(fmt.Sprint(v)), nil
	},
	"trim": func(v interface{}) (interface{}, error) {
		return strings.TrimSpace(fmt.Sprint(v)), nil
	},
	"toString": func(v interface{}) (interface{}, error) {
		return fmt.Sprint(v), nil
	},
	"toFloat": func(v interface{}) (interface{}, error) {
		return toFloat(v)
	},
	"toInt": func(v interface{}) (interface{}, error) {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return int(f), nil
	},
	"clamp01": func(v interface{}) (interface{}, error) {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		return f, nil
	},
}

func runTransform(name string, value interface{}) (result interface{}, err error) {
	fn, ok := transforms[name]
	if !ok {
		return nil, domain.NewValidationError(fmt.Sprintf("unknown transform %q", name), nil)
	}

	// Transforms must not take down the applier.
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewInternalError(fmt.Sprintf("transform %s panicked: %v", name, r), nil)
		}
	}()

	return fn(value)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}
