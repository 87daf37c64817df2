// Package report aggregates one stream's chat events and the groups found in them.
package report

import (
	"cmp"
	"slices"
	"sync"

	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/internal/rules"
	"github.com/lyger/matsuri-monitor/pkg/errors"
)

// Alert is raised when a notify rule gains a new reportable group.
type Alert struct {
	VideoID     string             `json:"video_id"`
	VideoURL    string             `json:"video_url"`
	Title       string             `json:"title"`
	ChannelName string             `json:"channel_name"`
	Description string             `json:"description"`
	Group       []domain.ChatEvent `json:"group"`
}

// Report owns one stream's event buffer and the group lists computed from it.
//
// The ingestion task is the only writer. Readers (View, Size) may run concurrently with it;
// every access to shared state goes through mu.
type Report struct {
	info *domain.VideoInfo

	mu         sync.RWMutex
	events     []domain.ChatEvent
	seen       map[domain.EventKey]struct{}
	groupLists []*GroupList
	finalized  bool
	frozen     *View
	size       int
}

func New(info *domain.VideoInfo) *Report {
	return &Report{
		info: info,
		seen: make(map[domain.EventKey]struct{}),
	}
}

func (r *Report) Info() *domain.VideoInfo {
	return r.info
}

func (r *Report) ID() string {
	return r.info.ID
}

// SetRules replaces the group lists with one per rule that applies to this report's
// channel, and runs each over the current buffer.
func (r *Report) SetRules(ruleSet *rules.RuleSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return errors.NewInvalidStateError("report is finalized", "set_rules")
	}

	channelID := ""
	if r.info.Channel != nil {
		channelID = r.info.Channel.ID
	}

	applicable := ruleSet.ForChannel(channelID)
	lists := make([]*GroupList, 0, len(applicable))
	for _, rule := range applicable {
		gl := NewGroupList(rule)
		gl.Update(r.events)
		gl.markAnnounced()
		lists = append(lists, gl)
	}
	r.groupLists = lists
	return nil
}

// AddEvents merges new events into the buffer, keeps it sorted and deduplicated, and
// updates every group list. It returns alerts for notify rules that gained groups.
func (r *Report) AddEvents(newEvents []domain.ChatEvent) ([]Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return nil, errors.NewInvalidStateError("report is finalized", "add_events")
	}

	added := 0
	for _, event := range newEvents {
		key := event.Key()
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = struct{}{}
		r.events = append(r.events, event)
		added++
	}
	if added == 0 {
		return nil, nil
	}

	slices.SortStableFunc(r.events, func(a, b domain.ChatEvent) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	var alerts []Alert
	for _, gl := range r.groupLists {
		gl.Update(r.events)
		if !gl.Notify() {
			continue
		}
		for _, group := range gl.takeNewlyReportable() {
			alerts = append(alerts, r.newAlert(gl, group))
		}
	}
	return alerts, nil
}

func (r *Report) newAlert(gl *GroupList, group []domain.ChatEvent) Alert {
	alert := Alert{
		VideoID:     r.info.ID,
		VideoURL:    r.info.URL(),
		Title:       r.info.Title,
		Description: gl.Description(),
		Group:       group,
	}
	if r.info.Channel != nil {
		alert.ChannelName = r.info.Channel.Name
	}
	return alert
}

// Finalize drops the raw buffer, keeps only group lists with reportable groups, silences
// notifications and freezes the view. Calling it again is a no-op.
func (r *Report) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	kept := make([]*GroupList, 0, len(r.groupLists))
	for _, gl := range r.groupLists {
		if gl.Len() > 0 {
			gl.notify = false
			kept = append(kept, gl)
		}
	}
	r.groupLists = kept
	r.events = nil
	r.seen = nil

	view := r.buildView()
	r.frozen = &view
	r.size = r.countGroups()
	r.finalized = true
}

func (r *Report) IsFinalized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalized
}

// View returns the JSON shape of the report. After Finalize the same frozen value is
// returned on every call. Callers must treat it as read-only.
func (r *Report) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.frozen != nil {
		return *r.frozen
	}
	return r.buildView()
}

// Size is the total number of reportable groups across all group lists.
func (r *Report) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.finalized {
		return r.size
	}
	return r.countGroups()
}

// Events returns a copy of the buffered events. It is empty once finalized.
func (r *Report) Events() []domain.ChatEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.events)
}

func (r *Report) countGroups() int {
	total := 0
	for _, gl := range r.groupLists {
		total += gl.Len()
	}
	return total
}

func (r *Report) buildView() View {
	view := newViewHeader(r.info)
	view.GroupLists = make([]GroupListView, 0, len(r.groupLists))
	for _, gl := range r.groupLists {
		groups := gl.Groups()
		if len(groups) == 0 {
			continue
		}
		view.GroupLists = append(view.GroupLists, GroupListView{
			Description: gl.Description(),
			Notify:      gl.Notify(),
			Groups:      groups,
		})
	}
	return view
}
