// Package sentry provides data scrubbing utilities for Sentry events
// so performance tokens and contact details never reach the error tracker.
package sentry

import (
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"
)

const filtered = "[Filtered]"

// sensitiveHeaders are HTTP headers that should be redacted from Sentry events.
var sensitiveHeaders = map[string]bool{
	"Authorization":     true,
	"Cookie":            true,
	"Set-Cookie":        true,
	"Sec-Websocket-Key": true,
}

// sensitiveKeys are field names that may contain sensitive data in tags,
// extras or breadcrumb metadata. Compared case-insensitively.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"jwt":           true,
	"secret":        true,
	"token_secret":  true,
	"email":         true,
	"authorization": true,
	"cookie":        true,
}

// jwtPattern matches compact-serialized JWTs embedded in free text.
var jwtPattern = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)

// ScrubEvent removes sensitive data from a Sentry event before it is sent.
// It redacts sensitive headers, strips request bodies and query strings,
// drops user contact details, and masks tokens in messages and metadata.
func ScrubEvent(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event.Request != nil {
		for header := range event.Request.Headers {
			if sensitiveHeaders[header] {
				event.Request.Headers[header] = filtered
			}
		}
		// Request bodies carry tokens and email addresses.
		event.Request.Data = ""
		event.Request.QueryString = ""
		event.Request.Cookies = ""
	}

	event.User.Email = ""
	event.User.IPAddress = ""

	event.Message = redactTokens(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = redactTokens(event.Exception[i].Value)
	}

	for key := range event.Tags {
		if isSensitiveKey(key) {
			event.Tags[key] = filtered
		}
	}
	for key := range event.Extra {
		if isSensitiveKey(key) {
			event.Extra[key] = filtered
		}
	}

	for i := range event.Breadcrumbs {
		event.Breadcrumbs[i].Message = redactTokens(event.Breadcrumbs[i].Message)
		for key := range event.Breadcrumbs[i].Data {
			if isSensitiveKey(key) {
				event.Breadcrumbs[i].Data[key] = filtered
			}
		}
	}

	return event
}

// ScrubTransaction applies the same scrubbing logic to transaction events.
func ScrubTransaction(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	return ScrubEvent(event, hint)
}

func isSensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

func redactTokens(s string) string {
	if s == "" {
		return s
	}
	return jwtPattern.ReplaceAllString(s, filtered)
}
