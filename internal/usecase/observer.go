package usecase

import "log/slog"

// Best-effort operations reported to an Observer.
const (
	OpMarkDelivered = "mark_delivered"
	OpMarkRead      = "mark_read"
	OpRecents       = "recents_upsert"
	OpToggleStar    = "toggle_star"
)

// Observer receives completion of writes no caller waits on. err is nil on
// success.
type Observer interface {
	BestEffort(op, target string, err error)
	SendAttempt(attempt int, err error)
}

// LogObserver logs failures and nothing else.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o LogObserver) BestEffort(op, target string, err error) {
	if err != nil {
		o.logger().Warn("best_effort_write_failed", "op", op, "target", target, "err", err)
	}
}

func (o LogObserver) SendAttempt(attempt int, err error) {
	if err != nil {
		o.logger().Warn("send_attempt_failed", "attempt", attempt, "err", err)
	}
}

// Observers fans out to each observer in order.
type Observers []Observer

func (os Observers) BestEffort(op, target string, err error) {
	for _, o := range os {
		o.BestEffort(op, target, err)
	}
}

func (os Observers) SendAttempt(attempt int, err error) {
	for _, o := range os {
		o.SendAttempt(attempt, err)
	}
}
