package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
)

// EventPublisher sends raw messages to a broker subject.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

const publishTimeout = 5 * time.Second

// lifecycleNotifier records metrics and publishes an event for each committed transition.
type lifecycleNotifier struct {
	publisher EventPublisher
	logger    *slog.Logger
}

func (n lifecycleNotifier) statusChanged(ctx context.Context, sub *domain.ScheduledSubmission, previous domain.SubmissionStatus, at time.Time) {
	if sub.Status == previous {
		return
	}
	statusTransitionsCounter.WithLabelValues(string(previous), string(sub.Status)).Inc()
	n.logger.InfoContext(ctx, "Scheduled submission status changed",
		"local_id", sub.LocalID, "user_id", sub.UserID, "from", previous, "to", sub.Status)

	n.publish(ctx, domain.NewStatusChangedEvent(sub, previous, at), "")
}

// rescheduled announces a hold change that kept the record Scheduled.
func (n lifecycleNotifier) rescheduled(ctx context.Context, sub *domain.ScheduledSubmission, at time.Time) {
	n.logger.InfoContext(ctx, "Scheduled submission rescheduled",
		"local_id", sub.LocalID, "user_id", sub.UserID, "hold_until", sub.HoldUntil.Int64)
	n.publish(ctx, domain.NewStatusChangedEvent(sub, sub.Status, at), domain.SubjectPrefix+"rescheduled")
}

func (n lifecycleNotifier) publish(ctx context.Context, evt domain.StatusChangedEvent, subject string) {
	if n.publisher == nil {
		return
	}
	if subject == "" {
		subject = evt.Subject()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to marshal status event", "error", err, "local_id", evt.LocalID)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.publisher.Publish(pubCtx, subject, data); err != nil {
		n.logger.WarnContext(ctx, "Failed to publish status event", "error", err, "local_id", evt.LocalID, "subject", subject)
	}
}
