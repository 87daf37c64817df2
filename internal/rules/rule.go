// Package rules holds the hot-reloadable set of groupers used to find patterns in chat.
package rules

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/lyger/matsuri-monitor/internal/domain"
)

type MatcherKind string

const (
	MatchUsername MatcherKind = "username"
	MatchRegex    MatcherKind = "regex"
)

func (k MatcherKind) String() string {
	return string(k)
}

// Matcher decides whether a chat event belongs to a rule. It is resolved once at load time.
type Matcher struct {
	kind  MatcherKind
	value string
	re    *regexp.Regexp
}

func NewUsernameMatcher(username string) Matcher {
	return Matcher{kind: MatchUsername, value: username}
}

// NewRegexMatcher compiles a case-insensitive search over message text.
func NewRegexMatcher(pattern string) (Matcher, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Matcher{}, err
	}
	return Matcher{kind: MatchRegex, value: pattern, re: re}, nil
}

func (m Matcher) Kind() MatcherKind {
	return m.kind
}

func (m Matcher) Value() string {
	return m.value
}

func (m Matcher) Matches(event domain.ChatEvent) bool {
	switch m.kind {
	case MatchUsername:
		return event.Author == m.value
	case MatchRegex:
		return m.re != nil && m.re.MatchString(event.Text)
	default:
		return false
	}
}

func (m Matcher) Description() string {
	switch m.kind {
	case MatchRegex:
		return fmt.Sprintf("Comment matches \"%s\"", m.value)
	case MatchUsername:
		return fmt.Sprintf("Comment from user \"%s\"", m.value)
	default:
		return ""
	}
}

// Rule is an immutable grouper: a matcher plus the parameters that turn matches into groups.
type Rule struct {
	Matcher      Matcher
	Description  string
	Interval     float64
	MinLen       int
	Notify       bool
	UniqueAuthor bool
	SkipChannels []string

	def Definition
}

func (r *Rule) Matches(event domain.ChatEvent) bool {
	return r.Matcher.Matches(event)
}

// AppliesTo reports whether the rule should run for streams of the given channel.
func (r *Rule) AppliesTo(channelID string) bool {
	return !slices.Contains(r.SkipChannels, channelID)
}

// RuleSet is an ordered, immutable collection of rules. Reloads replace the whole set.
type RuleSet struct {
	rules []*Rule
}

func NewRuleSet(rules ...*Rule) *RuleSet {
	return &RuleSet{rules: slices.Clone(rules)}
}

func (s *RuleSet) Rules() []*Rule {
	if s == nil {
		return nil
	}
	return slices.Clone(s.rules)
}

func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// ForChannel returns the rules that do not skip the given channel, in order.
func (s *RuleSet) ForChannel(channelID string) []*Rule {
	if s == nil {
		return nil
	}
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.AppliesTo(channelID) {
			out = append(out, r)
		}
	}
	return out
}

// Equal compares two rule sets by the value of their definitions.
func (s *RuleSet) Equal(other *RuleSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.Len() {
		if !s.rules[i].def.Equal(other.rules[i].def) {
			return false
		}
	}
	return true
}
