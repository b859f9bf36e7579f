// Package models defines the JSON payloads exchanged on the REST and realtime channels.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Realtime actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionRegister    = "register"
	ActionUpdate      = "update"
	ActionPublish     = "publish"

	ActionHeartrateUpdate         = "heartrate_update"
	ActionSubscriberCountUpdate   = "subscriber_count_update"
	ActionPerformanceStatusUpdate = "performance_status_update"
)

// EpochSeconds is a point in time normalized to whole seconds since the Unix epoch.
// It decodes from a JSON number (fractional part truncated) or a string holding
// either a number or an ISO-8601 timestamp. Timestamps without a zone are UTC.
type EpochSeconds int64

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *EpochSeconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseEpochSeconds(s)
		if err != nil {
			return err
		}
		*e = v
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("performance_date must be a number or a timestamp string")
	}
	return e.setFloat(f)
}

func (e *EpochSeconds) setFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return fmt.Errorf("performance_date is out of range")
	}
	*e = EpochSeconds(int64(math.Floor(f)))
	return nil
}

// ParseEpochSeconds parses a numeric or ISO-8601 timestamp string.
func ParseEpochSeconds(s string) (EpochSeconds, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("performance_date must not be empty")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		var e EpochSeconds
		if err := e.setFloat(f); err != nil {
			return 0, err
		}
		return e, nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return EpochSeconds(t.Unix()), nil
		}
	}
	return 0, fmt.Errorf("performance_date %q is not a recognised timestamp", s)
}

// Time returns the timestamp as a UTC time.Time.
func (e EpochSeconds) Time() time.Time {
	return time.Unix(int64(e), 0).UTC()
}

// Performance registration and updates
type RegisterRequest struct {
	Artist          string        `json:"artist"`
	Title           string        `json:"title"`
	Email           string        `json:"email,omitempty"`
	Description     string        `json:"description,omitempty"`
	PerformanceDate *EpochSeconds `json:"performance_date,omitempty"`
	Duration        *int          `json:"duration,omitempty"` // minutes
}

// UpdateRequest carries the token plus any subset of mutable fields.
// Absent fields are left untouched.
type UpdateRequest struct {
	Token           string        `json:"token"`
	Artist          *string       `json:"artist,omitempty"`
	Title           *string       `json:"title,omitempty"`
	Email           *string       `json:"email,omitempty"`
	Description     *string       `json:"description,omitempty"`
	PerformanceDate *EpochSeconds `json:"performance_date,omitempty"`
	Duration        *int          `json:"duration,omitempty"`
}

type DeleteRequest struct {
	Token string `json:"token"`
}

type SetStatusRequest struct {
	Token  string `json:"token"`
	Status *int   `json:"status"`
}

type SubscribeRequest struct {
	PerformanceID string `json:"performance_id"`
}

type PublishRequest struct {
	Token     string `json:"token"`
	Heartrate *int   `json:"heartrate"`
}

// PerformanceResponse describes a performance. Token is only set on responses
// to the token holder (register, update, status change).
type PerformanceResponse struct {
	Action          string `json:"action,omitempty"`
	PerformanceID   string `json:"performance_id"`
	Token           string `json:"token,omitempty"`
	Artist          string `json:"artist"`
	Title           string `json:"title"`
	Email           string `json:"email"`
	Description     string `json:"description"`
	PerformanceDate int64  `json:"performance_date"`
	Duration        int    `json:"duration"`
	Status          int    `json:"status"`
}

type PerformanceListResponse struct {
	Performances []PerformanceResponse `json:"performances"`
}

type StatusResponse struct {
	Status int `json:"status"`
}

type SetStatusResponse struct {
	Status        string `json:"status"`
	PerformanceID string `json:"performance_id"`
	Token         string `json:"token"`
}

type SuccessResponse struct {
	Action string `json:"action,omitempty"`
	Status string `json:"status"`
}

type PublishAck struct {
	Action      string `json:"action"`
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Performances int    `json:"performances"`
}

// Server-to-client pushes
type HeartrateUpdate struct {
	Action        string `json:"action"`
	PerformanceID string `json:"performance_id"`
	Heartrate     int    `json:"heartrate"`
}

type SubscriberCountUpdate struct {
	Action              string `json:"action"`
	PerformanceID       string `json:"performance_id"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
}

type PerformanceStatusUpdate struct {
	Action        string `json:"action"`
	PerformanceID string `json:"performance_id"`
	Status        int    `json:"status"`
}

// Envelope is the minimal shape of every realtime client message.
type Envelope struct {
	Action string `json:"action"`
}

// Error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
