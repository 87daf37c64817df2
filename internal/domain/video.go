package domain

import (
	"sync"
	"time"
)

const videoURLPrefix = "https://www.youtube.com/watch?v="

// VideoInfo describes a live stream (live or archived).
//
// The start timestamp is set at most once. Before it is known StartTimestamp
// reports ok=false and callers must not derive relative timestamps from it.
type VideoInfo struct {
	ID      string
	Title   string
	Channel *ChannelInfo

	startMu  sync.RWMutex
	start    float64
	startSet bool
}

func NewVideoInfo(id, title string, channel *ChannelInfo) *VideoInfo {
	return &VideoInfo{
		ID:      id,
		Title:   title,
		Channel: channel,
	}
}

// URL returns the canonical watch URL
func (v *VideoInfo) URL() string {
	if v == nil {
		return ""
	}
	return videoURLPrefix + v.ID
}

// StartTimestamp returns the stream start in epoch seconds.
func (v *VideoInfo) StartTimestamp() (float64, bool) {
	v.startMu.RLock()
	defer v.startMu.RUnlock()
	return v.start, v.startSet
}

// SetStartTimestamp records the stream start. Later calls are ignored.
func (v *VideoInfo) SetStartTimestamp(ts float64) bool {
	v.startMu.Lock()
	defer v.startMu.Unlock()
	if v.startSet {
		return false
	}
	v.start = ts
	v.startSet = true
	return true
}

// StartTime is StartTimestamp as a time.Time in UTC.
func (v *VideoInfo) StartTime() (time.Time, bool) {
	ts, ok := v.StartTimestamp()
	if !ok {
		return time.Time{}, false
	}
	return EpochToTime(ts), true
}

// EpochToTime converts float epoch seconds to a UTC time with microsecond precision.
func EpochToTime(ts float64) time.Time {
	usec := int64(ts * 1e6)
	return time.UnixMicro(usec).UTC()
}
