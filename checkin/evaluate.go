package checkin

import (
	"time"

	"loyalty-backend/apperr"
	"loyalty-backend/models"
)

// Decision is the outcome of evaluating a user's next check-in.
type Decision struct {
	CheckinNumber int
	Award         int64
	Remaining     int
	WaitSeconds   int
	// Err is nil when the check-in is allowed.
	Err error
}

// MaxCheckins is the effective per-user limit of e.
func MaxCheckins(e *models.Event) int {
	if !e.AllowMultipleCheckins || e.MaxCheckinsPerUser < 1 {
		return 1
	}
	return e.MaxCheckinsPerUser
}

// Award returns the points for the n-th check-in (1-based). Multi check-in
// events split TotalPoints by floor division and the final check-in also
// receives the remainder, so a full run sums to TotalPoints exactly.
func Award(e *models.Event, n int) int64 {
	limit := int64(MaxCheckins(e))
	if limit == 1 {
		return e.TotalPoints
	}
	award := e.TotalPoints / limit
	if int64(n) == limit {
		award += e.TotalPoints % limit
	}
	return award
}

// Evaluate applies the check-in guards for a user with the given prior
// check-ins (newest first). It is shared by the status read and the
// check-in itself so both always agree.
func Evaluate(e *models.Event, prior []models.Checkin, now time.Time) Decision {
	limit := MaxCheckins(e)
	d := Decision{
		CheckinNumber: len(prior) + 1,
		Remaining:     limit - len(prior),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	switch {
	case e.Status != models.EventStatusActive:
		d.Err = apperr.InvalidOperation("event is not active")
	case now.Before(e.StartAt):
		d.Err = apperr.InvalidOperation("event has not started yet")
	case now.After(e.EndAt):
		d.Err = apperr.Expired("event has ended")
	case !e.AllowMultipleCheckins && len(prior) > 0:
		d.Err = apperr.AlreadyProcessed("already checked in to this event")
	case len(prior) >= limit:
		d.Err = apperr.AlreadyProcessed("maximum of %d check-ins reached", limit)
	case len(prior) > 0:
		interval := time.Duration(e.CheckinIntervalSeconds) * time.Second
		remaining := interval - now.Sub(prior[0].CheckedInAt)
		if remaining > 0 {
			d.WaitSeconds = int((remaining + time.Second - 1) / time.Second)
			d.Err = apperr.RateLimited(d.WaitSeconds)
		}
	}

	if d.Err == nil {
		d.Award = Award(e, d.CheckinNumber)
	}
	return d
}

// replayed reports whether seq was already consumed by one of prior.
func replayed(prior []models.Checkin, seq int64) bool {
	for _, c := range prior {
		if c.Sequence == seq {
			return true
		}
	}
	return false
}
