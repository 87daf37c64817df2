package report

import (
	"math"
	"slices"

	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/internal/rules"
)

// GroupList incrementally folds a growing, sorted, deduplicated event sequence into the
// groups defined by one rule.
//
// It remembers how much of the sequence it has consumed and the identity of the last
// consumed event. If a later call presents a sequence whose prefix no longer matches
// (an out-of-order event was inserted before the mark) it recomputes from scratch, so
// incremental and one-shot updates always agree.
type GroupList struct {
	rule   *rules.Rule
	notify bool

	groups          [][]domain.ChatEvent
	lastTimestamp   float64
	trailingAuthors map[string]struct{}

	consumed int
	lastKey  domain.EventKey

	// announced holds the first event of every group already alerted on. A group whose
	// events include one of these keys has been announced, even after a recompute merged it.
	announced map[domain.EventKey]struct{}
}

func NewGroupList(rule *rules.Rule) *GroupList {
	g := &GroupList{
		rule:   rule,
		notify:    rule.Notify,
		announced: make(map[domain.EventKey]struct{}),
	}
	g.reset()
	return g
}

func (g *GroupList) reset() {
	g.groups = nil
	g.lastTimestamp = math.Inf(-1)
	g.trailingAuthors = make(map[string]struct{})
	g.consumed = 0
	g.lastKey = domain.EventKey{}
}

func (g *GroupList) Rule() *rules.Rule {
	return g.rule
}

func (g *GroupList) Description() string {
	return g.rule.Description
}

func (g *GroupList) Notify() bool {
	return g.notify
}

// Update folds events (sorted ascending by timestamp, deduplicated) into groups.
func (g *GroupList) Update(events []domain.ChatEvent) {
	if len(events) == 0 {
		return
	}

	start := g.consumed
	if start > len(events) || (start > 0 && events[start-1].Key() != g.lastKey) {
		g.reset()
		start = 0
	}

	for _, event := range events[start:] {
		g.consume(event)
	}

	g.consumed = len(events)
	g.lastKey = events[len(events)-1].Key()
}

func (g *GroupList) consume(event domain.ChatEvent) {
	if !g.rule.Matches(event) {
		return
	}

	if len(g.groups) > 0 && event.Timestamp-g.lastTimestamp <= g.rule.Interval {
		if g.rule.UniqueAuthor {
			if _, dup := g.trailingAuthors[event.Author]; dup {
				return
			}
		}
		last := len(g.groups) - 1
		g.groups[last] = append(g.groups[last], event)
	} else {
		g.groups = append(g.groups, []domain.ChatEvent{event})
		clear(g.trailingAuthors)
	}

	g.trailingAuthors[event.Author] = struct{}{}
	g.lastTimestamp = event.Timestamp
}

func (g *GroupList) isReportable(group []domain.ChatEvent) bool {
	return len(group) >= g.rule.MinLen
}

// Groups returns copies of the reportable groups, oldest first.
func (g *GroupList) Groups() [][]domain.ChatEvent {
	out := make([][]domain.ChatEvent, 0, len(g.groups))
	for _, group := range g.groups {
		if g.isReportable(group) {
			out = append(out, slices.Clone(group))
		}
	}
	return out
}

// Len is the number of reportable groups.
func (g *GroupList) Len() int {
	n := 0
	for _, group := range g.groups {
		if g.isReportable(group) {
			n++
		}
	}
	return n
}

// takeNewlyReportable returns reportable groups not yet announced and marks them.
func (g *GroupList) takeNewlyReportable() [][]domain.ChatEvent {
	var fresh [][]domain.ChatEvent
	for _, group := range g.Groups() {
		if g.wasAnnounced(group) {
			continue
		}
		g.announced[group[0].Key()] = struct{}{}
		fresh = append(fresh, group)
	}
	return fresh
}

func (g *GroupList) wasAnnounced(group []domain.ChatEvent) bool {
	for _, event := range group {
		if _, ok := g.announced[event.Key()]; ok {
			return true
		}
	}
	return false
}

func (g *GroupList) markAnnounced() {
	for _, group := range g.Groups() {
		g.announced[group[0].Key()] = struct{}{}
	}
}
