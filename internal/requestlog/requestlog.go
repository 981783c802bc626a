// Package requestlog stores one entry per forwarded gateway call and
// aggregates them for endpoint metrics.
package requestlog

import (
	"context"
	"time"
)

// Entry is one forwarded call, successful or not.
type Entry struct {
	ID         string    `json:"id"`
	APIID      string    `json:"apiId"`
	Success    bool      `json:"success"`
	ResponseMs int64     `json:"responseMs"`
	StatusCode int       `json:"statusCode"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Stats aggregates entries for one endpoint.
type Stats struct {
	Total         int     `json:"total"`
	Successful    int     `json:"successful"`
	AvgResponseMs float64 `json:"avgResponseMs"`
}

// Failed is Total minus Successful.
func (s Stats) Failed() int { return s.Total - s.Successful }

// SuccessRate is the successful share in percent, 0 when empty.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total) * 100
}

// Store is append-only.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Stats covers entries created at or after since; a zero since covers
	// all time.
	Stats(ctx context.Context, apiID string, since time.Time) (Stats, error)
}
