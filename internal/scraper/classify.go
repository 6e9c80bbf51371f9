package scraper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

// exhaustionMarkers are substrings of proxy error envelopes that mean the
// provider account is out of credits or over its concurrency/rate allowance.
var exhaustionMarkers = []string{
	"credit",
	"quota",
	"limit exceeded",
	"rate limit",
	"concurrent request limit",
	"subscription",
}

// errorEnvelope is the JSON body the proxy returns instead of a page.
type errorEnvelope struct {
	StatusCode int      `json:"statusCode"`
	Message    string   `json:"message"`
	Messages   []string `json:"Message"`
	Error      string   `json:"error"`
}

func (e errorEnvelope) text() string {
	parts := append([]string{e.Message, e.Error}, e.Messages...)
	return strings.ToLower(strings.Join(parts, " "))
}

// classifyResponse maps a proxy response onto success (nil) or a FetchError.
func classifyResponse(status int, contentType string, body []byte) *FetchError {
	if status == http.StatusPaymentRequired || status == http.StatusTooManyRequests {
		return &FetchError{Outcome: OutcomeUpstreamExhausted, StatusCode: status,
			Err: fmt.Errorf("proxy refused request: %s", snippet(body))}
	}

	if env, ok := parseEnvelope(body); ok {
		text := env.text()
		for _, marker := range exhaustionMarkers {
			if strings.Contains(text, marker) {
				return &FetchError{Outcome: OutcomeUpstreamExhausted, StatusCode: status,
					Err: fmt.Errorf("proxy reports exhaustion: %s", strings.TrimSpace(text))}
			}
		}
	}

	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &FetchError{Outcome: OutcomeRetryable, StatusCode: status,
			Err: fmt.Errorf("upstream unavailable")}
	}
	if status < 200 || status >= 300 {
		return &FetchError{Outcome: OutcomeOther, StatusCode: status,
			Err: fmt.Errorf("unexpected status: %s", snippet(body))}
	}
	if !looksLikeHTML(contentType, body) {
		return &FetchError{Outcome: OutcomeRetryable, StatusCode: status,
			Err: fmt.Errorf("non-HTML body: %s", snippet(body))}
	}
	return nil
}

// classifyTransport maps a transport error. Timeouts and connection faults
// are retryable; errors caused by the caller's context are not.
func classifyTransport(err error, callerErr error) *FetchError {
	if callerErr != nil {
		return &FetchError{Outcome: OutcomeOther, Err: errors.Join(callerErr, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Outcome: OutcomeRetryable, Err: fmt.Errorf("timeout: %w", err)}
	}
	return &FetchError{Outcome: OutcomeRetryable, Err: fmt.Errorf("transport: %w", err)}
}

func parseEnvelope(body []byte) (errorEnvelope, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errorEnvelope{}, false
	}
	var env errorEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return errorEnvelope{}, false
	}
	return env, true
}

func looksLikeHTML(contentType string, body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return trimmed[0] == '<'
	}
	head := trimmed
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) ||
		bytes.Contains(lower, []byte("<html")) ||
		bytes.Contains(lower, []byte("<body"))
}

// snippet shortens body to at most 160 bytes for error messages, cutting on
// a rune boundary.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= 160 {
		return s
	}
	n := 160
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
