package schema

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/filters"
	"github.com/glimte/servicebus/internal/codec"
)

// ErrInvalidMessage is wrapped by every validation failure
var ErrInvalidMessage = errors.New("message failed validation")

// Violation is a single failed constraint
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError lists every violation found in one message
type ValidationError struct {
	TypeName   string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return fmt.Sprintf("%s is invalid: %s", e.TypeName, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidMessage
}

// Schema describes the body of one message type
type Schema struct {
	Required   []string             `yaml:"required" json:"required,omitempty"`
	Properties map[string]*Property `yaml:"properties" json:"properties,omitempty"`
	// Strict rejects properties not listed in Properties.
	Strict bool `yaml:"strict" json:"strict,omitempty"`
}

// Property constrains one field
type Property struct {
	Type       string               `yaml:"type" json:"type,omitempty"`
	Format     string               `yaml:"format" json:"format,omitempty"`
	Pattern    string               `yaml:"pattern" json:"pattern,omitempty"`
	MinLength  *int                 `yaml:"minLength" json:"minLength,omitempty"`
	MaxLength  *int                 `yaml:"maxLength" json:"maxLength,omitempty"`
	Minimum    *float64             `yaml:"minimum" json:"minimum,omitempty"`
	Maximum    *float64             `yaml:"maximum" json:"maximum,omitempty"`
	Enum       []any                `yaml:"enum" json:"enum,omitempty"`
	Items      *Property            `yaml:"items" json:"items,omitempty"`
	Properties map[string]*Property `yaml:"properties" json:"properties,omitempty"`
	Required   []string             `yaml:"required" json:"required,omitempty"`

	pattern *regexp.Regexp
}

// Float returns a pointer to f for Minimum and Maximum
func Float(f float64) *float64 { return &f }

// Int returns a pointer to n for MinLength and MaxLength
func Int(n int) *int { return &n }

// Validator holds schemas by message type. Types without a schema pass.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewValidator creates an empty validator
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*Schema)}
}

// Register compiles and stores the schema for typeName
func (v *Validator) Register(typeName string, s *Schema) error {
	if typeName == "" {
		return contracts.ErrMissingTypeName
	}
	if s == nil {
		return fmt.Errorf("schema for %s cannot be nil", typeName)
	}
	for name, p := range s.Properties {
		if err := p.compile(name); err != nil {
			return fmt.Errorf("schema for %s: %w", typeName, err)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[typeName] = s
	return nil
}

// LoadFile registers every schema in a YAML file keyed by message type
func (v *Validator) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	var schemas map[string]*Schema
	if err := yaml.Unmarshal(data, &schemas); err != nil {
		return fmt.Errorf("failed to parse schema file: %w", err)
	}
	for typeName, s := range schemas {
		if err := v.Register(typeName, s); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether typeName has a schema
func (v *Validator) Has(typeName string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[typeName]
	return ok
}

// Validate checks msg against the schema of typeName
func (v *Validator) Validate(typeName string, msg *contracts.Message) error {
	v.mu.RLock()
	s, ok := v.schemas[typeName]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	result := &ValidationError{TypeName: typeName}
	var body any
	if msg == nil || len(msg.Body) == 0 {
		body = map[string]any{}
	} else if err := codec.Unmarshal(msg.Body, &body); err != nil {
		result.add("", "MALFORMED", "body is not valid JSON")
		return result
	}

	obj, ok := body.(map[string]any)
	if !ok {
		result.add("", "TYPE_MISMATCH", "body must be an object")
		return result
	}
	result.object("", obj, s.Properties, s.Required, s.Strict)

	if len(result.Violations) > 0 {
		return result
	}
	return nil
}

// Filter returns a filter that faults on invalid messages
func Filter(v *Validator) filters.Filter {
	return filters.FilterFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus filters.Bus) (bool, error) {
		if err := v.Validate(typeName, msg); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (p *Property) compile(path string) error {
	if p == nil {
		return fmt.Errorf("property %s cannot be nil", path)
	}
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("property %s has invalid pattern: %w", path, err)
		}
		p.pattern = re
	}
	if p.Items != nil {
		if err := p.Items.compile(path + "[]"); err != nil {
			return err
		}
	}
	for name, child := range p.Properties {
		if err := child.compile(join(path, name)); err != nil {
			return err
		}
	}
	return nil
}

func (e *ValidationError) add(field, code, message string) {
	e.Violations = append(e.Violations, Violation{Field: field, Code: code, Message: message})
}

func (e *ValidationError) object(path string, obj map[string]any, props map[string]*Property, required []string, strict bool) {
	for _, name := range required {
		if _, ok := obj[name]; !ok {
			e.add(join(path, name), "REQUIRED", "required field is missing")
		}
	}
	for name, value := range obj {
		p, ok := props[name]
		if !ok {
			if strict {
				e.add(join(path, name), "UNKNOWN_FIELD", "field is not allowed")
			}
			continue
		}
		e.property(join(path, name), value, p)
	}
}

func (e *ValidationError) property(path string, value any, p *Property) {
	if value == nil {
		return
	}
	if p.Type != "" && !matchesType(value, p.Type) {
		e.add(path, "TYPE_MISMATCH", fmt.Sprintf("expected %s", p.Type))
		return
	}

	switch v := value.(type) {
	case string:
		if p.MinLength != nil && len(v) < *p.MinLength {
			e.add(path, "MIN_LENGTH", fmt.Sprintf("length %d is below %d", len(v), *p.MinLength))
		}
		if p.MaxLength != nil && len(v) > *p.MaxLength {
			e.add(path, "MAX_LENGTH", fmt.Sprintf("length %d exceeds %d", len(v), *p.MaxLength))
		}
		if p.pattern != nil && !p.pattern.MatchString(v) {
			e.add(path, "PATTERN", "value does not match "+p.Pattern)
		}
		if p.Format != "" && !matchesFormat(v, p.Format) {
			e.add(path, "FORMAT", "value is not a valid "+p.Format)
		}
	case float64:
		if p.Minimum != nil && v < *p.Minimum {
			e.add(path, "MINIMUM", fmt.Sprintf("%v is below %v", v, *p.Minimum))
		}
		if p.Maximum != nil && v > *p.Maximum {
			e.add(path, "MAXIMUM", fmt.Sprintf("%v exceeds %v", v, *p.Maximum))
		}
	case []any:
		if p.Items != nil {
			for i, item := range v {
				e.property(fmt.Sprintf("%s[%d]", path, i), item, p.Items)
			}
		}
	case map[string]any:
		if p.Properties != nil || p.Required != nil {
			e.object(path, v, p.Properties, p.Required, false)
		}
	}

	if len(p.Enum) > 0 && !inEnum(value, p.Enum) {
		e.add(path, "ENUM", fmt.Sprintf("value is not one of %v", p.Enum))
	}
}

func matchesType(value any, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func matchesFormat(value, format string) bool {
	switch format {
	case "uuid":
		_, err := uuid.Parse(value)
		return err == nil
	case "email":
		addr, err := mail.ParseAddress(value)
		return err == nil && addr.Address == value
	case "uri":
		u, err := url.Parse(value)
		return err == nil && u.Scheme != "" && u.Host != ""
	case "date":
		_, err := time.Parse(time.DateOnly, value)
		return err == nil
	case "date-time":
		_, err := time.Parse(time.RFC3339, value)
		return err == nil
	default:
		return true
	}
}

func inEnum(value any, enum []any) bool {
	for _, candidate := range enum {
		// yaml decodes whole numbers as int
		if n, ok := candidate.(int); ok {
			candidate = float64(n)
		}
		if reflect.DeepEqual(value, candidate) {
			return true
		}
	}
	return false
}

func join(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
