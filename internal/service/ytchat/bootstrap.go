package ytchat

import (
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"github.com/tidwall/gjson"
)

var (
	ytcfgRe     = regexp.MustCompile(`(?m)^\s*ytcfg.set\((.+)\);?$`)
	ytcfgArgsRe = regexp.MustCompile(`^"([A-Z_]+)", (.+)$`)
)

const (
	initialDataMarker = "ytInitialData"
	apiKeyName        = "INNERTUBE_API_KEY"
	contextName       = "INNERTUBE_CONTEXT"
)

// Session holds the tokens scraped from the bootstrap page that every follow-up request needs.
type Session struct {
	VideoID string
	APIKey  string
	Context map[string]any
}

// ParseBootstrap scrapes the live chat page for the initial chat document, the API key and
// the client context.
func ParseBootstrap(videoID string, r io.Reader) (*Session, *Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, nil, errors.NewProtocolError("bootstrap page parse failed", "", err)
	}

	var (
		initialData string
		apiKey      string
		context     map[string]any
	)

	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		text := sel.Text()

		if strings.Contains(text, initialDataMarker) {
			if _, rhs, found := strings.Cut(text, "="); found {
				initialData = strings.Trim(strings.TrimSpace(rhs), ";")
			}
			return
		}

		for _, m := range ytcfgRe.FindAllStringSubmatch(text, -1) {
			args := strings.TrimSpace(m[1])

			if strings.HasPrefix(args, "{") {
				obj := gjson.Parse(args)
				if v := obj.Get(apiKeyName); v.Exists() {
					apiKey = v.String()
				}
				if v := obj.Get(contextName); v.IsObject() {
					if ctx, ok := v.Value().(map[string]any); ok {
						context = ctx
					}
				}
			}

			if am := ytcfgArgsRe.FindStringSubmatch(args); am != nil {
				switch am[1] {
				case apiKeyName:
					apiKey = gjson.Parse(am[2]).String()
				case contextName:
					if ctx, ok := gjson.Parse(am[2]).Value().(map[string]any); ok {
						context = ctx
					}
				}
			}
		}
	})

	if initialData == "" {
		return nil, nil, errors.NewProtocolError("initial chat object not found", initialDataMarker, nil)
	}
	if apiKey == "" {
		return nil, nil, errors.NewProtocolError("ytcfg API key not found", apiKeyName, nil)
	}
	if context == nil {
		return nil, nil, errors.NewProtocolError("ytcfg client context not found", contextName, nil)
	}

	page, err := ParseInitialPage([]byte(initialData))
	if err != nil {
		return nil, nil, err
	}

	return &Session{
		VideoID: videoID,
		APIKey:  apiKey,
		Context: context,
	}, page, nil
}
