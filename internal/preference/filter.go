// Package preference decides whether and when a claimed notification may
// be dispatched, based on the user's settings for its (type, channel)
// pair. Deferral reuses the queue's delayed-visibility mechanism; it is
// scheduling, not failure, and never touches the retry budget.
package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/model"
	repo "github.com/naebak/notifications-service/internal/repository/preference"
)

// Action is the filter's verdict for a record.
type Action int

const (
	// ActionDeliver lets the record proceed to rendering and dispatch.
	ActionDeliver Action = iota
	// ActionDrop cancels the record without a dispatch attempt.
	ActionDrop
	// ActionDefer re-enqueues the record with delayed visibility.
	ActionDefer
)

// Decision carries the verdict plus the drop reason or deferral time.
type Decision struct {
	Action Action
	Reason string
	Until  time.Time
}

type prefSource interface {
	Get(ctx context.Context, userID string, t model.Type, c model.Channel) (model.Preference, error)
}

// Filter evaluates user preferences and quiet hours.
type Filter struct {
	prefs      prefSource
	defaultLoc *time.Location
	now        func() time.Time
}

// NewFilter creates a filter. defaultTZ names the timezone used for
// quiet-hours comparison when a preference carries none; an empty or
// unknown name falls back to UTC.
func NewFilter(prefs prefSource, defaultTZ string) *Filter {
	loc, err := time.LoadLocation(defaultTZ)
	if err != nil || defaultTZ == "" {
		if defaultTZ != "" {
			zlog.Logger.Warn().Str("timezone", defaultTZ).Msg("unknown default timezone, falling back to UTC")
		}
		loc = time.UTC
	}

	return &Filter{prefs: prefs, defaultLoc: loc, now: time.Now}
}

// Evaluate applies the preference policy to one record:
//
//  1. disabled preference drops the record ("user opted out");
//  2. the in_app channel is exempt from every deferral rule;
//  3. high/urgent priority bypasses quiet hours and digest frequency;
//  4. quiet hours defer the record until the window ends;
//  5. hourly/daily frequency defers to the next digest boundary.
func (f *Filter) Evaluate(ctx context.Context, n model.Notification) (Decision, error) {
	pref, err := f.prefs.Get(ctx, n.UserID, n.Type, n.Channel)
	if err != nil {
		if !errors.Is(err, repo.ErrPreferenceNotFound) {
			return Decision{}, fmt.Errorf("look up preference: %w", err)
		}
		pref = model.DefaultPreference(n.UserID, n.Type, n.Channel)
	}

	if !pref.Enabled {
		return Decision{Action: ActionDrop, Reason: model.ReasonOptedOut}, nil
	}

	if n.Channel == model.ChannelInApp {
		return Decision{Action: ActionDeliver}, nil
	}

	if n.Priority.BypassesQuietHours() {
		return Decision{Action: ActionDeliver}, nil
	}

	now := f.now().In(f.location(pref))

	if pref.HasQuietHours() {
		until, inWindow, err := quietHoursEnd(pref.QuietHoursStart, pref.QuietHoursEnd, now)
		if err != nil {
			// Malformed quiet hours must not block delivery.
			zlog.Logger.Warn().Err(err).Str("user_id", n.UserID).Msg("invalid quiet hours, ignoring")
		} else if inWindow {
			return Decision{Action: ActionDefer, Reason: "quiet hours", Until: until}, nil
		}
	}

	if until, ok := nextDigestBoundary(pref.Frequency, n.CreatedAt.In(now.Location())); ok && now.Before(until) {
		return Decision{Action: ActionDefer, Reason: "digest frequency", Until: until}, nil
	}

	return Decision{Action: ActionDeliver}, nil
}

func (f *Filter) location(pref model.Preference) *time.Location {
	if pref.Timezone == "" {
		return f.defaultLoc
	}

	loc, err := time.LoadLocation(pref.Timezone)
	if err != nil {
		zlog.Logger.Warn().Str("timezone", pref.Timezone).Str("user_id", pref.UserID).Msg("unknown preference timezone, using default")
		return f.defaultLoc
	}

	return loc
}

// quietHoursEnd reports whether now falls inside [start, end), wrapping
// past midnight, and the next moment the window ends.
func quietHoursEnd(start, end string, now time.Time) (time.Time, bool, error) {
	startMin, err := parseClock(start)
	if err != nil {
		return time.Time{}, false, err
	}
	endMin, err := parseClock(end)
	if err != nil {
		return time.Time{}, false, err
	}

	nowMin := now.Hour()*60 + now.Minute()

	var inWindow bool
	if startMin <= endMin {
		inWindow = nowMin >= startMin && nowMin < endMin
	} else { // wraps past midnight
		inWindow = nowMin >= startMin || nowMin < endMin
	}

	if !inWindow {
		return time.Time{}, false, nil
	}

	until := time.Date(now.Year(), now.Month(), now.Day(), endMin/60, endMin%60, 0, 0, now.Location())
	if !until.After(now) {
		until = until.AddDate(0, 0, 1)
	}

	return until, true, nil
}

// nextDigestBoundary maps an hourly/daily frequency to the first batch
// flush time after the record was created. Records re-delivered at or
// past their boundary proceed, so digesting cannot defer forever.
func nextDigestBoundary(freq model.Frequency, createdAt time.Time) (time.Time, bool) {
	switch freq {
	case model.FrequencyHourly:
		return createdAt.Truncate(time.Hour).Add(time.Hour), true
	case model.FrequencyDaily:
		next := time.Date(createdAt.Year(), createdAt.Month(), createdAt.Day(), 0, 0, 0, 0, createdAt.Location()).AddDate(0, 0, 1)
		return next, true
	default:
		return time.Time{}, false
	}
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
