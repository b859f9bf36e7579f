package services

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/heartbridge/backend/internal/broker"
	"github.com/heartbridge/backend/internal/metrics"
	"github.com/heartbridge/backend/internal/models"
)

const (
	maxEmailLength       = 254
	maxDescriptionLength = 1024
	minHeartrate         = 1
	maxHeartrate         = 300
)

// Performance is a snapshot of a registered live event.
type Performance struct {
	ID              string
	Artist          string
	Title           string
	Email           string
	Description     string
	PerformanceDate time.Time
	Duration        time.Duration
	Status          int
	Token           string
}

// End returns the instant the performance window closes.
func (p Performance) End() time.Time {
	return p.PerformanceDate.Add(p.Duration)
}

// DurationMinutes returns the window length in whole minutes.
func (p Performance) DurationMinutes() int {
	return int(p.Duration / time.Minute)
}

// ActiveAt reports whether now lies within [PerformanceDate, End).
func (p Performance) ActiveAt(now time.Time) bool {
	return !now.Before(p.PerformanceDate) && now.Before(p.End())
}

// Limits bounds the values accepted at registration and update.
type Limits struct {
	MaxFieldLength  int
	PastTolerance   time.Duration
	FutureLimit     time.Duration
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	GracePeriod     time.Duration
}

// DefaultLimits returns the bounds used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFieldLength:  64,
		PastTolerance:   5 * time.Minute,
		FutureLimit:     366 * 24 * time.Hour,
		DefaultDuration: time.Hour,
		MaxDuration:     24 * time.Hour,
	}
}

// RegisterParams are the inputs to Register. A nil PerformanceDate means now;
// a nil Duration (minutes) means the configured default.
type RegisterParams struct {
	Artist          string
	Title           string
	Email           string
	Description     string
	PerformanceDate *time.Time
	Duration        *int
}

// UpdateParams is a patch: only non-nil fields are applied.
type UpdateParams struct {
	Artist          *string
	Title           *string
	Email           *string
	Description     *string
	PerformanceDate *time.Time
	Duration        *int
}

// Broadcaster is the subscription registry and fan-out used by the store.
type Broadcaster interface {
	Subscribe(performanceID string, sub broker.Subscriber) (count int, previous string)
	Unsubscribe(sub broker.Subscriber) (performanceID string, remaining int, ok bool)
	Broadcast(performanceID string, msg any) int
	SendTo(sub broker.Subscriber, msg any) bool
	Count(performanceID string) int
	Drop(performanceID string)
}

type entry struct {
	mu      sync.Mutex
	perf    Performance
	removed bool
}

// PerformanceStore is the in-memory registry of live performances.
//
// Lock order: an entry's mutex may be held while taking the store mutex, never
// the other way round. All mutations of one performance run under its entry
// mutex, so token re-minting, status transitions and broadcasts for a single
// performance are linearized.
type PerformanceStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	tokens  *TokenService
	ids     *IDGenerator
	broker  Broadcaster
	clock   clockwork.Clock
	limits  Limits
	metrics *metrics.Metrics
}

// NewPerformanceStore creates an empty store.
func NewPerformanceStore(tokens *TokenService, ids *IDGenerator, b Broadcaster, clock clockwork.Clock, limits Limits, m *metrics.Metrics) *PerformanceStore {
	return &PerformanceStore{
		entries: make(map[string]*entry),
		tokens:  tokens,
		ids:     ids,
		broker:  b,
		clock:   clock,
		limits:  limits,
		metrics: m,
	}
}

// Register validates the request, assigns a fresh performance ID and mints the
// first token. New performances start with status 0 (pending).
func (s *PerformanceStore) Register(params RegisterParams) (Performance, error) {
	now := s.clock.Now()

	start := toEpochSecond(now)
	if params.PerformanceDate != nil {
		start = toEpochSecond(*params.PerformanceDate)
		if err := s.checkDate(start, now); err != nil {
			return Performance{}, err
		}
	}

	duration := s.limits.DefaultDuration
	if params.Duration != nil {
		d, err := s.durationFromMinutes(*params.Duration)
		if err != nil {
			return Performance{}, err
		}
		duration = d
	}

	p := Performance{
		Artist:          params.Artist,
		Title:           params.Title,
		Email:           params.Email,
		Description:     params.Description,
		PerformanceDate: start,
		Duration:        duration,
	}
	if err := s.validate(p); err != nil {
		return Performance{}, err
	}
	if s.expiredAt(p, now) {
		return Performance{}, validationError("performance window would already have ended")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.ids.Generate(func(id string) bool {
		_, taken := s.entries[id]
		return taken
	})
	if err != nil {
		return Performance{}, err
	}
	p.ID = id

	token, err := s.tokens.Issue(p)
	if err != nil {
		return Performance{}, fmt.Errorf("failed to sign token: %w", err)
	}
	p.Token = token

	s.entries[id] = &entry{perf: p}
	s.metrics.PerformancesRegistered.Inc()
	s.metrics.PerformancesLive.Set(float64(len(s.entries)))

	slog.Info("performance registered",
		slog.String("performance_id", id),
		slog.Time("performance_date", p.PerformanceDate),
		slog.Int("duration_minutes", p.DurationMinutes()))
	return p, nil
}

// Lookup returns the performance with the given ID (case-insensitive).
func (s *PerformanceStore) Lookup(performanceID string) (Performance, error) {
	e, err := s.lockLive(NormalizePerformanceID(performanceID))
	if err != nil {
		return Performance{}, err
	}
	defer e.mu.Unlock()
	return e.perf, nil
}

// Status returns the current status code of a performance.
func (s *PerformanceStore) Status(performanceID string) (int, error) {
	p, err := s.Lookup(performanceID)
	if err != nil {
		return 0, err
	}
	return p.Status, nil
}

// List returns every live performance ordered by start time, then ID.
func (s *PerformanceStore) List() []Performance {
	now := s.clock.Now()

	s.mu.RLock()
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	out := make([]Performance, 0, len(snapshot))
	for _, e := range snapshot {
		e.mu.Lock()
		if !e.removed && !s.expiredAt(e.perf, now) {
			out = append(out, e.perf)
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PerformanceDate.Equal(out[j].PerformanceDate) {
			return out[i].PerformanceDate.Before(out[j].PerformanceDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies a patch to the performance identified by the token. The patch
// is validated as a whole against a copy; on any error nothing is changed.
func (s *PerformanceStore) Update(token string, params UpdateParams) (Performance, error) {
	e, err := s.lockCurrent(token)
	if err != nil {
		return Performance{}, err
	}
	defer e.mu.Unlock()

	now := s.clock.Now()
	next := e.perf

	if params.Artist != nil {
		next.Artist = *params.Artist
	}
	if params.Title != nil {
		next.Title = *params.Title
	}
	if params.Email != nil {
		next.Email = *params.Email
	}
	if params.Description != nil {
		next.Description = *params.Description
	}
	if params.PerformanceDate != nil {
		start := toEpochSecond(*params.PerformanceDate)
		if err := s.checkDate(start, now); err != nil {
			return Performance{}, err
		}
		next.PerformanceDate = start
	}
	if params.Duration != nil {
		d, err := s.durationFromMinutes(*params.Duration)
		if err != nil {
			return Performance{}, err
		}
		next.Duration = d
	}

	if err := s.validate(next); err != nil {
		return Performance{}, err
	}
	if s.expiredAt(next, now) {
		return Performance{}, validationError("performance window would already have ended")
	}

	if err := s.commit(e, next); err != nil {
		return Performance{}, err
	}
	return e.perf, nil
}

// Delete removes the performance identified by the token. A performance can be
// deleted exactly once; its subscribers are unbound.
func (s *PerformanceStore) Delete(token string) error {
	e, err := s.lockCurrent(token)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	id := e.perf.ID
	e.removed = true

	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.metrics.PerformancesLive.Set(float64(len(s.entries)))
	s.mu.Unlock()

	s.broker.Drop(id)
	slog.Info("performance deleted", slog.String("performance_id", id))
	return nil
}

// SetStatus changes the status of a performance. The token must belong to that
// performance. Subscribers receive a performance_status_update.
func (s *PerformanceStore) SetStatus(performanceID, token string, status int) (Performance, error) {
	performanceID = NormalizePerformanceID(performanceID)

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return Performance{}, err
	}
	if claims.PerformanceID != performanceID {
		return Performance{}, ErrTokenMismatch
	}

	e, err := s.lockHolder(performanceID, token)
	if err != nil {
		return Performance{}, err
	}
	defer e.mu.Unlock()

	next := e.perf
	next.Status = status
	if err := s.commit(e, next); err != nil {
		return Performance{}, err
	}

	s.broker.Broadcast(performanceID, models.PerformanceStatusUpdate{
		Action:        models.ActionPerformanceStatusUpdate,
		PerformanceID: performanceID,
		Status:        status,
	})
	return e.perf, nil
}

// Publish broadcasts a heart-rate sample to every subscriber of the token's
// performance. Only the most recently issued token may publish. It fails
// without touching subscribers when the performance is outside its active
// window. Returns the number of subscribers reached.
func (s *PerformanceStore) Publish(token string, heartrate int) (int, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return 0, err
	}
	if heartrate < minHeartrate || heartrate > maxHeartrate {
		return 0, validationError("heartrate must be between %d and %d", minHeartrate, maxHeartrate)
	}

	e, err := s.lockHolder(claims.PerformanceID, token)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	if now := s.clock.Now(); !e.perf.ActiveAt(now) {
		if now.Before(e.perf.PerformanceDate) {
			return 0, stateError("performance has not yet begun")
		}
		return 0, stateError("performance has expired")
	}

	delivered := s.broker.Broadcast(e.perf.ID, models.HeartrateUpdate{
		Action:        models.ActionHeartrateUpdate,
		PerformanceID: e.perf.ID,
		Heartrate:     heartrate,
	})
	s.metrics.HeartratesPublished.Inc()
	return delivered, nil
}

// Subscribe binds sub to a live performance. Every subscriber of the
// performance is sent the new subscriber count and sub also receives the
// current status. A subscriber already bound elsewhere is moved.
func (s *PerformanceStore) Subscribe(performanceID string, sub broker.Subscriber) (Performance, error) {
	performanceID = NormalizePerformanceID(performanceID)

	e, err := s.lockLive(performanceID)
	if err != nil {
		return Performance{}, err
	}

	count, previous := s.broker.Subscribe(performanceID, sub)
	s.broker.Broadcast(performanceID, models.SubscriberCountUpdate{
		Action:              models.ActionSubscriberCountUpdate,
		PerformanceID:       performanceID,
		ActiveSubscriptions: count,
	})
	s.broker.SendTo(sub, models.PerformanceStatusUpdate{
		Action:        models.ActionPerformanceStatusUpdate,
		PerformanceID: performanceID,
		Status:        e.perf.Status,
	})
	p := e.perf
	e.mu.Unlock()

	if previous != "" {
		s.announceCount(previous)
	}
	return p, nil
}

// Unsubscribe unbinds sub from its performance, if any, and tells the
// remaining subscribers the new count.
func (s *PerformanceStore) Unsubscribe(sub broker.Subscriber) {
	performanceID, remaining, ok := s.broker.Unsubscribe(sub)
	if !ok || remaining == 0 {
		return
	}
	s.announceCount(performanceID)
}

// Sweep evicts performances whose window plus grace period has elapsed and
// unbinds their subscribers. Returns the evicted IDs in sorted order.
func (s *PerformanceStore) Sweep() []string {
	now := s.clock.Now()

	s.mu.RLock()
	snapshot := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		snapshot[id] = e
	}
	s.mu.RUnlock()

	var evicted []string
	for id, e := range snapshot {
		e.mu.Lock()
		if !e.removed && s.expiredAt(e.perf, now) {
			e.removed = true
			evicted = append(evicted, id)
		}
		e.mu.Unlock()
	}
	if len(evicted) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, id := range evicted {
		if s.entries[id] == snapshot[id] {
			delete(s.entries, id)
		}
	}
	s.metrics.PerformancesLive.Set(float64(len(s.entries)))
	s.mu.Unlock()

	for _, id := range evicted {
		s.broker.Drop(id)
	}
	s.metrics.PerformancesEvicted.Add(float64(len(evicted)))
	sort.Strings(evicted)
	return evicted
}

func (s *PerformanceStore) announceCount(performanceID string) {
	s.broker.Broadcast(performanceID, models.SubscriberCountUpdate{
		Action:              models.ActionSubscriberCountUpdate,
		PerformanceID:       performanceID,
		ActiveSubscriptions: s.broker.Count(performanceID),
	})
}

// commit re-mints the token for next and installs it. Caller holds e.mu.
func (s *PerformanceStore) commit(e *entry, next Performance) error {
	token, err := s.tokens.Issue(next)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	next.Token = token
	e.perf = next
	return nil
}

// lockLive returns the entry for a live performance with its mutex held.
func (s *PerformanceStore) lockLive(performanceID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[performanceID]
	s.mu.RUnlock()
	if !ok {
		return nil, notFoundError("performance not found")
	}

	e.mu.Lock()
	if e.removed || s.expiredAt(e.perf, s.clock.Now()) {
		e.mu.Unlock()
		return nil, notFoundError("performance not found")
	}
	return e, nil
}

// lockCurrent verifies the token, then locks its performance and checks the
// token has not been superseded by a later mutation.
func (s *PerformanceStore) lockCurrent(token string) (*entry, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	return s.lockHolder(claims.PerformanceID, token)
}

// lockHolder locks a live performance whose current token is token. The
// token must already have been verified.
func (s *PerformanceStore) lockHolder(performanceID, token string) (*entry, error) {
	e, err := s.lockLive(performanceID)
	if err != nil {
		return nil, err
	}
	if e.perf.Token != token {
		e.mu.Unlock()
		return nil, ErrTokenSuperseded
	}
	return e, nil
}

func (s *PerformanceStore) expiredAt(p Performance, now time.Time) bool {
	return !now.Before(p.End().Add(s.limits.GracePeriod))
}

func (s *PerformanceStore) checkDate(start, now time.Time) error {
	if start.Before(now.Add(-s.limits.PastTolerance)) {
		return validationError("performance_date is too far in the past")
	}
	if start.After(now.Add(s.limits.FutureLimit)) {
		return validationError("performance_date is too far in the future")
	}
	return nil
}

// durationFromMinutes bounds a requested window length before converting it,
// so oversized values cannot wrap around.
func (s *PerformanceStore) durationFromMinutes(minutes int) (time.Duration, error) {
	if minutes < 1 {
		return 0, validationError("duration must be at least 1 minute")
	}
	if maxMinutes := int(s.limits.MaxDuration / time.Minute); minutes > maxMinutes {
		return 0, validationError("duration must not exceed %d minutes", maxMinutes)
	}
	return time.Duration(minutes) * time.Minute, nil
}

func (s *PerformanceStore) validate(p Performance) error {
	if err := checkText("artist", p.Artist, 1, s.limits.MaxFieldLength); err != nil {
		return err
	}
	if err := checkText("title", p.Title, 1, s.limits.MaxFieldLength); err != nil {
		return err
	}
	if err := checkText("email", p.Email, 0, maxEmailLength); err != nil {
		return err
	}
	if err := checkText("description", p.Description, 0, maxDescriptionLength); err != nil {
		return err
	}
	if p.Duration < time.Minute {
		return validationError("duration must be at least 1 minute")
	}
	if p.Duration > s.limits.MaxDuration {
		return validationError("duration must not exceed %d minutes", int(s.limits.MaxDuration/time.Minute))
	}
	return nil
}

func checkText(field, value string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(value)
	if n < minLen {
		return validationError("%s is required", field)
	}
	if n > maxLen {
		return validationError("%s must be at most %d characters", field, maxLen)
	}
	return nil
}

func toEpochSecond(t time.Time) time.Time {
	return time.Unix(t.Unix(), 0).UTC()
}
