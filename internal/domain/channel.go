package domain

const channelURLPrefix = "https://www.youtube.com/channel/"

// ChannelInfo describes the YouTube channel that owns a stream.
type ChannelInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ThumbnailURL string `json:"thumbnail_url"`
	Org          string `json:"org,omitempty"`
}

// URL returns the channel page URL
func (c *ChannelInfo) URL() string {
	if c == nil || c.ID == "" {
		return ""
	}
	return channelURLPrefix + c.ID
}

// GetDisplayName returns the channel name, falling back to the ID
func (c *ChannelInfo) GetDisplayName() string {
	if c == nil {
		return ""
	}
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
