package alerts

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrMissingServiceKey indicates the disaster message API key is not configured.
	ErrMissingServiceKey = errors.New("alerts: service key not configured")
	// ErrEmptyRegion indicates a fetch without a region name.
	ErrEmptyRegion = errors.New("alerts: region required")
)

// RecencyWindow is how far back messages are kept.
const RecencyWindow = 3 * 24 * time.Hour

// Message is one disaster alert broadcast.
type Message struct {
	Serial    string    `json:"serial"`
	Region    string    `json:"region"`
	Body      string    `json:"body"`
	Step      string    `json:"step"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Source returns the recent messages for a region, newest first.
type Source interface {
	Recent(ctx context.Context, region string) ([]Message, error)
}

// FilterRecent keeps messages no older than RecencyWindow before now and
// reverses the oldest-first page into newest-first order.
func FilterRecent(messages []Message, now time.Time) []Message {
	threshold := now.Add(-RecencyWindow)
	out := make([]Message, 0, len(messages))
	for _, message := range messages {
		if message.CreatedAt.Before(threshold) {
			continue
		}
		out = append(out, message)
	}
	slices.Reverse(out)
	return out
}
