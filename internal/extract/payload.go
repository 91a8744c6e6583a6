// Package extract turns fetched composer payloads and category pages into typed records.
// Every function here is pure; fetch sessions live in internal/fetcher.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Widget is one entry of a payload's widgetStates mapping, in document order.
type Widget struct {
	Key   string
	Value json.RawMessage
}

// Payload is a decoded composer response.
type Payload struct {
	Widgets []Widget
}

// ParsePayload decodes raw JSON text and keeps widgetStates keys in document order.
func ParsePayload(raw string) (Payload, error) {
	var envelope struct {
		WidgetStates json.RawMessage `json:"widgetStates"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", harvest.ErrParseFailure, err)
	}
	if len(envelope.WidgetStates) == 0 || bytes.Equal(envelope.WidgetStates, []byte("null")) {
		return Payload{}, fmt.Errorf("%w: widgetStates absent", harvest.ErrPayloadMissing)
	}
	widgets, err := decodeOrdered(envelope.WidgetStates)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: widgetStates: %v", harvest.ErrParseFailure, err)
	}
	return Payload{Widgets: widgets}, nil
}

func decodeOrdered(raw json.RawMessage) ([]Widget, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("expected object")
	}
	var out []Widget
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("expected string key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		out = append(out, Widget{Key: key, Value: value})
	}
	return out, nil
}

// Decode unmarshals a widget value into dst. String values are treated as embedded JSON
// documents.
func (w Widget) Decode(dst any) error {
	value := w.Value
	if len(value) > 0 && value[0] == '"' {
		var embedded string
		if err := json.Unmarshal(value, &embedded); err != nil {
			return fmt.Errorf("unquote widget %s: %w", w.Key, err)
		}
		value = []byte(embedded)
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return fmt.Errorf("decode widget %s: %w", w.Key, err)
	}
	return nil
}

// WithPrefix returns the widgets whose key starts with prefix, in document order.
func (p Payload) WithPrefix(prefix string) []Widget {
	var out []Widget
	for _, w := range p.Widgets {
		if strings.HasPrefix(w.Key, prefix) {
			out = append(out, w)
		}
	}
	return out
}

// Locate decodes the first widget with the given prefix that holds well-formed JSON into
// dst. Malformed candidates are skipped.
func (p Payload) Locate(prefix string, dst any) bool {
	for _, w := range p.WithPrefix(prefix) {
		if err := w.Decode(dst); err == nil {
			return true
		}
	}
	return false
}

var preBlock = regexp.MustCompile(`(?is)<pre[^>]*>(.*?)</pre>`)

// ExtractJSON pulls a JSON document out of a rendered page: the contents of the first
// <pre> block, else the text between the first '{' and the last '}'.
func ExtractJSON(page string) (string, bool) {
	if m := preBlock.FindStringSubmatch(page); m != nil {
		body := strings.TrimSpace(html.UnescapeString(m[1]))
		if body != "" {
			return body, true
		}
	}
	first := strings.IndexByte(page, '{')
	last := strings.LastIndexByte(page, '}')
	if first == -1 || last == -1 || first >= last {
		return "", false
	}
	return page[first : last+1], true
}

// HasWidgetStates reports whether text is a JSON object with a widgetStates member.
func HasWidgetStates(text string) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return false
	}
	_, ok := probe["widgetStates"]
	return ok
}

var blockedIndicators = []string{
	"cloudflare",
	"checking your browser",
	"enable javascript",
	"access denied",
	"ddos-guard",
	"проверка браузера",
	"доступ ограничен",
	"access restricted",
}

// IsBlocked reports whether a page looks like an antibot interstitial. Pages that already
// carry a widgetStates payload are never considered blocked.
func IsBlocked(page string) bool {
	if strings.TrimSpace(page) == "" {
		return true
	}
	if strings.Contains(page, `"widgetStates"`) {
		return false
	}
	lower := strings.ToLower(page)
	for _, indicator := range blockedIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
