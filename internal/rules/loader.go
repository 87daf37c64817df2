package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Definition is one record of the rule definition file.
type Definition struct {
	Type         string   `json:"type" yaml:"type" validate:"required,oneof=username regex"`
	Value        string   `json:"value" yaml:"value" validate:"required"`
	Interval     *float64 `json:"interval" yaml:"interval" validate:"required,gte=0"`
	MinLen       *int     `json:"min_len,omitempty" yaml:"min_len,omitempty" validate:"omitempty,gte=1"`
	Notify       bool     `json:"notify,omitempty" yaml:"notify,omitempty"`
	UniqueAuthor bool     `json:"unique_author,omitempty" yaml:"unique_author,omitempty"`
	SkipChannels []string `json:"skip_channels,omitempty" yaml:"skip_channels,omitempty" validate:"omitempty,dive,required"`
}

func (d Definition) Equal(o Definition) bool {
	return d.Type == o.Type &&
		d.Value == o.Value &&
		ptrEqual(d.Interval, o.Interval) &&
		ptrEqual(d.MinLen, o.MinLen) &&
		d.Notify == o.Notify &&
		d.UniqueAuthor == o.UniqueAuthor &&
		slices.Equal(d.SkipChannels, o.SkipChannels)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Source provides the current rule set. The supervisor reloads it every cycle.
type Source interface {
	Load() (*RuleSet, error)
}

// FileSource loads rules from a JSON or YAML file on every call.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (f *FileSource) Load() (*RuleSet, error) {
	return LoadFile(f.Path)
}

// LoadFile reads and validates a rule definition file. YAML is used for .yaml/.yml
// extensions, JSON otherwise.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

func ParseJSON(data []byte) (*RuleSet, error) {
	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid rule JSON: %v", err), "", nil)
	}
	return Build(defs)
}

func ParseYAML(data []byte) (*RuleSet, error) {
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid rule YAML: %v", err), "", nil)
	}
	return Build(defs)
}

// Build validates every definition and compiles the rule set. Any invalid record fails the
// whole load so a broken file never partially applies.
func Build(defs []Definition) (*RuleSet, error) {
	rules := make([]*Rule, 0, len(defs))
	for i, def := range defs {
		rule, err := buildRule(i, def)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return &RuleSet{rules: rules}, nil
}

func buildRule(idx int, def Definition) (*Rule, error) {
	if err := getValidator().Struct(def); err != nil {
		return nil, translateValidationError(idx, err)
	}

	var (
		matcher Matcher
		err     error
	)
	switch MatcherKind(def.Type) {
	case MatchRegex:
		matcher, err = NewRegexMatcher(def.Value)
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("rule %d: invalid regex: %v", idx, err), "value", def.Value)
		}
	case MatchUsername:
		matcher = NewUsernameMatcher(def.Value)
	}

	minLen := 1
	if def.MinLen != nil {
		minLen = *def.MinLen
	}

	return &Rule{
		Matcher:      matcher,
		Description:  matcher.Description(),
		Interval:     *def.Interval,
		MinLen:       minLen,
		Notify:       def.Notify,
		UniqueAuthor: def.UniqueAuthor,
		SkipChannels: slices.Clone(def.SkipChannels),
		def:          def,
	}, nil
}

func translateValidationError(idx int, err error) error {
	var verrs validator.ValidationErrors
	if ok := asValidationErrors(err, &verrs); !ok || len(verrs) == 0 {
		return errors.NewValidationError(fmt.Sprintf("rule %d: %v", idx, err), "", nil)
	}

	fe := verrs[0]
	msg := fmt.Sprintf("rule %d: field %s failed on %q", idx, fe.Field(), fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("%s (%s)", msg, fe.Param())
	}
	return errors.NewValidationError(msg, fe.Field(), fe.Value())
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
