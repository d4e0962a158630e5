package alert

import (
	"context"
	"sync"
	"time"
)

// FeedHealth turns feed connectivity transitions into alerts: an
// established connection that drops raises a feed alert, and the next
// successful connect after a drop raises a recovery. The initial connect
// at startup is silent.
type FeedHealth struct {
	alerter *Alerter

	mu        sync.Mutex
	everUp    bool
	down      bool
	downSince time.Time
	nowFn     func() time.Time
}

func NewFeedHealth(alerter *Alerter) *FeedHealth {
	return &FeedHealth{alerter: alerter, nowFn: time.Now}
}

// Connected records a successful connect and raises a recovery alert when
// a prior disconnect was reported.
func (f *FeedHealth) Connected(ctx context.Context) {
	f.mu.Lock()
	wasDown := f.down
	downSince := f.downSince
	f.everUp = true
	f.down = false
	f.mu.Unlock()

	if !wasDown {
		return
	}
	f.alerter.Send(ctx, Alert{
		Type:     TypeRecovery,
		Severity: SeverityInfo,
		Title:    "Kill feed reconnected",
		Message:  "The feed connection has been restored.",
		Fields: map[string]string{
			"down_for": f.nowFn().Sub(downSince).Round(time.Second).String(),
		},
	})
}

// Disconnected records a drop of an established connection. Repeated drops
// inside the alerter cooldown window are suppressed there, not here.
func (f *FeedHealth) Disconnected(ctx context.Context) {
	f.mu.Lock()
	firstDrop := f.everUp && !f.down
	if !f.down {
		f.downSince = f.nowFn()
	}
	f.down = true
	f.mu.Unlock()

	if !firstDrop {
		return
	}
	f.alerter.Send(ctx, Alert{
		Type:     TypeFeedUnhealthy,
		Severity: SeverityWarning,
		Title:    "Kill feed disconnected",
		Message:  "The feed connection dropped; the listener is reconnecting with backoff.",
	})
}
