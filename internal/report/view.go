package report

import (
	"slices"

	"github.com/lyger/matsuri-monitor/internal/domain"
)

// View is the serialized shape of a report served by the HTTP endpoints and persisted
// by the archive stores.
type View struct {
	ID             string          `json:"id"`
	URL            string          `json:"url"`
	Title          string          `json:"title"`
	ChannelID      string          `json:"channel_id"`
	ChannelURL     string          `json:"channel_url"`
	ChannelName    string          `json:"channel_name"`
	ThumbnailURL   string          `json:"thumbnail_url"`
	Org            string          `json:"org,omitempty"`
	StartTimestamp *float64        `json:"start_timestamp,omitempty"`
	GroupLists     []GroupListView `json:"group_lists"`
}

type GroupListView struct {
	Description string               `json:"description"`
	Notify      bool                 `json:"notify"`
	Groups      [][]domain.ChatEvent `json:"groups"`
}

// Size is the total number of groups in the view.
func (v View) Size() int {
	n := 0
	for _, gl := range v.GroupLists {
		n += len(gl.Groups)
	}
	return n
}

func newViewHeader(info *domain.VideoInfo) View {
	view := View{
		ID:    info.ID,
		URL:   info.URL(),
		Title: info.Title,
	}
	if ch := info.Channel; ch != nil {
		view.ChannelID = ch.ID
		view.ChannelURL = ch.URL()
		view.ChannelName = ch.Name
		view.ThumbnailURL = ch.ThumbnailURL
		view.Org = ch.Org
	}
	if ts, ok := info.StartTimestamp(); ok {
		view.StartTimestamp = &ts
	}
	return view
}

// Restore rebuilds a finalized, read-only report from a persisted view.
func Restore(view View) *Report {
	channel := &domain.ChannelInfo{
		ID:           view.ChannelID,
		Name:         view.ChannelName,
		ThumbnailURL: view.ThumbnailURL,
		Org:          view.Org,
	}
	info := domain.NewVideoInfo(view.ID, view.Title, channel)
	if view.StartTimestamp != nil {
		info.SetStartTimestamp(*view.StartTimestamp)
	}

	view.GroupLists = slices.Clone(view.GroupLists)
	for i := range view.GroupLists {
		view.GroupLists[i].Notify = false
	}
	if view.GroupLists == nil {
		view.GroupLists = []GroupListView{}
	}

	return &Report{
		info:      info,
		finalized: true,
		frozen:    &view,
		size:      view.Size(),
	}
}
