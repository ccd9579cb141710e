package backfill

import (
	"time"

	"github.com/Sternrassler/tickertrail/pkg/pagination"
)

// Status is the state of a backfill job.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusFetching Status = "fetching"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Job is the backfill state of one subject. It is also the payload of
// backfill progress events.
//
// Generation increases with every Start; only the continuation of the
// current generation updates the job.
type Job struct {
	Subject      string            `json:"subject"`
	Status       Status            `json:"status"`
	Reason       pagination.Reason `json:"reason,omitempty"`
	Message      string            `json:"message,omitempty"`
	Cursor       string            `json:"cursor,omitempty"`
	TotalFetched int               `json:"total_fetched"`
	Pages        int               `json:"pages"`
	OldestSeen   *time.Time        `json:"oldest_date,omitempty"`
	NewestSeen   *time.Time        `json:"newest_date,omitempty"`
	Generation   uint64            `json:"generation"`
	StartedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Active reports whether the job is still fetching.
func (j Job) Active() bool {
	return j.Status == StatusFetching
}

// observe folds a visited page into the counters.
func (j *Job) observe(records int, oldest, newest time.Time, cursor string) {
	j.Pages++
	j.TotalFetched += records
	j.Cursor = cursor
	if j.OldestSeen == nil || oldest.Before(*j.OldestSeen) {
		t := oldest
		j.OldestSeen = &t
	}
	if j.NewestSeen == nil || newest.After(*j.NewestSeen) {
		t := newest
		j.NewestSeen = &t
	}
}
