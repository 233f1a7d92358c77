package catalog

import (
	"context"
	"time"
)

const DefaultThrottleInterval = 2*time.Minute + 30*time.Second

// Throttle paces a refresh against the upstream quota. Once the interval has
// elapsed since the last Arm, Due reports true until Wait has slept for the
// same interval and re-armed.
type Throttle struct {
	interval time.Duration
	disabled bool
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	deadline time.Time
}

// NewThrottle returns a Throttle; a disabled one never becomes due.
func NewThrottle(interval time.Duration, disabled bool) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttle{
		interval: interval,
		disabled: disabled,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func (t *Throttle) Arm() {
	t.deadline = t.now().Add(t.interval)
}

func (t *Throttle) Due() bool {
	if t.disabled || t.deadline.IsZero() {
		return false
	}
	return !t.now().Before(t.deadline)
}

// Wait sleeps for the throttle interval and re-arms. It returns early with
// ctx's error when ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if err := t.sleep(ctx, t.interval); err != nil {
		return err
	}
	t.Arm()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
