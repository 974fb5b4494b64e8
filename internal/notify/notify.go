// Package notify fans out change events to a user's other connected devices.
// After a push the server publishes a small event; devices holding a
// websocket open on /api/sync/events receive it and know to pull. Delivery is
// best-effort: losing an event only delays the next pull, it never loses
// data.
package notify

import (
	"context"
	"time"
)

// Event tells a device that the user's server-side data changed. OriginDevice
// lets the device that caused the change ignore its own echo.
type Event struct {
	Type         string    `json:"type"` // "changed" or "reset"
	OriginDevice string    `json:"originDevice,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	EventChanged = "changed"
	EventReset   = "reset"
)

type Notifier interface {
	Publish(ctx context.Context, userID string, ev Event) error
}

// Noop is used when Redis is not configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, userID string, ev Event) error { return nil }
