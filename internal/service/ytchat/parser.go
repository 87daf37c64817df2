// Package ytchat talks to the YouTube live chat endpoint and turns its documents into chat events.
package ytchat

import (
	"strconv"
	"strings"

	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"github.com/tidwall/gjson"
)

// Document paths. The layout is owned by YouTube and changes without notice; every lookup
// goes through gjson so a missing key is a miss, never a panic.
const (
	initialContinuationPath = "contents.liveChatRenderer.continuations.0"
	initialActionsPath      = "contents.liveChatRenderer.actions"

	continuationPath = "continuationContents.liveChatContinuation.continuations.0"
	actionsPath      = "continuationContents.liveChatContinuation.actions"

	messagePrefix   = "addChatItemAction.item.liveChatTextMessageRenderer"
	superChatPrefix = "addLiveChatTickerItemAction.item.liveChatTickerPaidMessageItemRenderer" +
		".showItemEndpoint.showLiveChatItemEndpoint.renderer.liveChatPaidMessageRenderer"

	authorSubpath    = "authorName.simpleText"
	textRunsSubpath  = "message.runs"
	timestampSubpath = "timestampUsec"
	amountSubpath    = "purchaseAmountText.simpleText"
)

// Page is one chat document: the token for the next request and the raw actions it carried.
type Page struct {
	Continuation string
	Actions      []gjson.Result
}

// Events decodes the page's actions, skipping anything that is not a complete chat item.
func (p *Page) Events(start float64) []domain.ChatEvent {
	if p == nil {
		return nil
	}
	return ParseActions(p.Actions, start)
}

// ParseInitialPage reads the embedded initial chat document of the bootstrap page.
func ParseInitialPage(data []byte) (*Page, error) {
	return parsePage(data, initialContinuationPath, initialActionsPath)
}

// ParsePage reads a follow-up chat document.
func ParsePage(data []byte) (*Page, error) {
	return parsePage(data, continuationPath, actionsPath)
}

func parsePage(data []byte, contPath, actPath string) (*Page, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.NewProtocolError("chat document is not valid JSON", "", nil)
	}

	doc := gjson.ParseBytes(data)
	token, err := ExtractContinuation(doc.Get(contPath))
	if err != nil {
		return nil, err
	}

	page := &Page{Continuation: token}
	if actions := doc.Get(actPath); actions.IsArray() {
		page.Actions = actions.Array()
	}
	return page, nil
}

// ExtractContinuation returns the token from the first continuation variant that carries one.
// The endpoint wraps it in several shapes (timed, invalidation, reload) and any of them will do.
func ExtractContinuation(obj gjson.Result) (string, error) {
	if !obj.Exists() || !obj.IsObject() {
		return "", errors.NewProtocolError("no continuation object found", continuationPath, nil)
	}

	var token string
	obj.ForEach(func(_, variant gjson.Result) bool {
		if c := variant.Get("continuation"); c.Type == gjson.String && c.Str != "" {
			token = c.Str
			return false
		}
		return true
	})

	if token == "" {
		return "", errors.NewProtocolError("no continuation token found", continuationPath, nil)
	}
	return token, nil
}

// ParseActions decodes every recognized action, in order.
func ParseActions(actions []gjson.Result, start float64) []domain.ChatEvent {
	events := make([]domain.ChatEvent, 0, len(actions))
	for _, action := range actions {
		if event, ok := ParseAction(action, start); ok {
			events = append(events, event)
		}
	}
	return events
}

// ParseAction decodes a single chat action. Unknown action types and items missing a
// required field yield ok=false.
func ParseAction(action gjson.Result, start float64) (domain.ChatEvent, bool) {
	if msg := action.Get(messagePrefix); msg.Exists() {
		author, text, ts, ok := parseCommon(msg)
		if !ok {
			return domain.ChatEvent{}, false
		}
		return domain.NewTextMessage(author, text, ts, start), true
	}

	if sc := action.Get(superChatPrefix); sc.Exists() {
		author, text, ts, ok := parseCommon(sc)
		if !ok {
			return domain.ChatEvent{}, false
		}
		amount := sc.Get(amountSubpath)
		if !amount.Exists() {
			return domain.ChatEvent{}, false
		}
		return domain.NewSuperChat(author, text, amount.String(), ts, start), true
	}

	return domain.ChatEvent{}, false
}

func parseCommon(item gjson.Result) (author, text string, ts float64, ok bool) {
	authorRes := item.Get(authorSubpath)
	runs := item.Get(textRunsSubpath)
	tsRes := item.Get(timestampSubpath)
	if !authorRes.Exists() || !runs.IsArray() || !tsRes.Exists() {
		return "", "", 0, false
	}

	usec, err := strconv.ParseFloat(tsRes.String(), 64)
	if err != nil {
		return "", "", 0, false
	}

	var b strings.Builder
	for _, run := range runs.Array() {
		b.WriteString(run.Get("text").String())
	}

	return authorRes.String(), b.String(), usec / 1_000_000, true
}
