package menu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wa-gateway/cache"
)

// Footer is appended to every bot reply so users always know the way back.
const Footer = "Type *menu* to return to the main menu."

// Fetcher retrieves external menu content over HTTP. Fetch returns the text
// to send and whether it is real content: ok=false means the string is a
// complete diagnostic message (footer included) and the caller should send it
// as is; ok=true means real content the caller still decorates.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, bool)
}

type httpFetcher struct {
	client  *http.Client
	cache   *cache.Cache
	timeout time.Duration
	log     zerolog.Logger
}

// NewFetcher builds the default HTTP fetcher with a short-TTL response cache.
func NewFetcher(timeout time.Duration, responseCache *cache.Cache, log zerolog.Logger) Fetcher {
	return &httpFetcher{
		client:  &http.Client{Timeout: timeout},
		cache:   responseCache,
		timeout: timeout,
		log:     log.With().Str("component", "fetcher").Logger(),
	}
}

const (
	msgNotFound    = "Sorry, the content for this menu could not be found. Please contact the administrator.\n\n" + Footer
	msgServerError = "Sorry, the content service is having trouble right now. Please try again later.\n\n" + Footer
	msgForbidden   = "Sorry, access to this menu's content was denied. Please contact the administrator.\n\n" + Footer
	msgErrorPage   = "Sorry, the content service returned an error page instead of content. Please contact the administrator.\n\n" + Footer
	msgTimeout     = "Sorry, the content service took too long to respond. Please try again later.\n\n" + Footer
	msgUnreachable = "Sorry, the content service could not be reached. Please try again later.\n\n" + Footer
)

func badStatusMsg(code int) string {
	return fmt.Sprintf("Sorry, the content service returned an unexpected response (status %d). Please try again later.\n\n%s", code, Footer)
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) (string, bool) {
	if f.cache != nil {
		if cached, ok := f.cache.Get(url); ok {
			return cached, true
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		f.log.Error().Err(err).Str("url", url).Msg("bad content url")
		return msgUnreachable, false
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			f.log.Warn().Str("url", url).Msg("content fetch timed out")
			return msgTimeout, false
		}
		f.log.Warn().Err(err).Str("url", url).Msg("content fetch failed")
		return msgUnreachable, false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return msgNotFound, false
	case resp.StatusCode == http.StatusForbidden:
		return msgForbidden, false
	case resp.StatusCode >= 500:
		return msgServerError, false
	case resp.StatusCode != http.StatusOK:
		f.log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("unexpected content status")
		return badStatusMsg(resp.StatusCode), false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		f.log.Warn().Err(err).Str("url", url).Msg("content body read failed")
		return msgUnreachable, false
	}

	text := strings.TrimSpace(string(body))
	// Some upstreams serve their error pages with a 200.
	if looksLikeErrorPage(text) {
		return msgErrorPage, false
	}

	if formatted, ok := formatJSON(text); ok {
		text = formatted
	}

	if f.cache != nil {
		f.cache.Set(url, text, 2*time.Minute)
	}
	return text, true
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func looksLikeErrorPage(body string) bool {
	probe := body
	if len(probe) > 512 {
		probe = probe[:512]
	}
	lower := strings.ToLower(probe)
	return strings.HasPrefix(lower, "<!doctype html") ||
		strings.HasPrefix(lower, "<html") ||
		strings.Contains(probe, "404 Not Found") ||
		strings.Contains(probe, "500 Internal Server Error")
}

// formatJSON renders a JSON body as plain chat text. Arrays become numbered
// items, objects become "key: value" lines. Non-JSON bodies pass through
// untouched.
func formatJSON(body string) (string, bool) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[' && trimmed[0] != '"') {
		return "", false
	}

	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return "", false
	}

	switch v := value.(type) {
	case []any:
		var b strings.Builder
		for i, item := range v {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "%d. ", i+1)
			if obj, ok := item.(map[string]any); ok {
				b.WriteString(formatObject(obj, "   "))
			} else {
				b.WriteString(scalarString(item))
			}
		}
		return b.String(), true
	case map[string]any:
		return formatObject(v, ""), true
	default:
		return scalarString(v), true
	}
}

func formatObject(obj map[string]any, indent string) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n" + indent)
		}
		fmt.Fprintf(&b, "%s: %s", k, scalarString(obj[k]))
	}
	return b.String()
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case nil:
		return "-"
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}
