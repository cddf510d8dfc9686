// Package notify delivers trace and error notifications to external observers.
// Delivery is best effort: failures are logged and counted, never returned to
// the request that triggered them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ratedash/internal/metrics"
	"ratedash/logger"
	"ratedash/models"
)

// Notification types.
const (
	TypeTrace = "trace"
	TypeError = "error"
)

// DefaultTimeout bounds a single detached delivery.
const DefaultTimeout = 10 * time.Second

// Notification is the JSON document sent to observers. Trace notifications
// carry the trace fields inline next to the type.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	*models.TraceEvent
}

// TraceNotification wraps a successful upstream trace.
func TraceNotification(ev models.TraceEvent) Notification {
	return Notification{Type: TypeTrace, TraceEvent: &ev}
}

// ErrorNotification reports a failure, with the trace attached when one exists.
func ErrorNotification(message string, ev *models.TraceEvent) Notification {
	return Notification{Type: TypeError, Message: message, TraceEvent: ev}
}

// Sender is implemented by every notification channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Notifier fans notifications out to its senders.
type Notifier struct {
	senders []Sender
	timeout time.Duration
	wg      sync.WaitGroup
	log     *logger.Log
}

// NewNotifier returns a notifier for the given senders. Nil senders are
// skipped; a timeout of zero uses DefaultTimeout.
func NewNotifier(timeout time.Duration, senders ...Sender) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	n := &Notifier{timeout: timeout, log: logger.GetLogger()}
	for _, s := range senders {
		if s != nil {
			n.senders = append(n.senders, s)
		}
	}
	return n
}

// Senders reports the registered sender names.
func (n *Notifier) Senders() []string {
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.senders))
	for _, s := range n.senders {
		names = append(names, s.Name())
	}
	return names
}

// Notify delivers to every sender and joins their errors. One failing sender
// does not stop delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, note Notification) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	log := n.log.WithComponent("notifier").WithFields(logger.Fields{"type": note.Type})

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, note); err != nil {
			log.WithFields(logger.Fields{"sender": s.Name()}).WithError(err).Warn("notification delivery failed")
			metrics.RecordNotifyFailure(n.log, s.Name())
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		log.WithFields(logger.Fields{"sender": s.Name()}).Debug("notification sent")
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Go delivers note on a detached goroutine and returns immediately. The
// delivery keeps ctx's values but not its cancellation, is bounded by the
// notifier timeout, and recovers from sender panics.
func (n *Notifier) Go(ctx context.Context, note Notification) {
	if n == nil || len(n.senders) == 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.log.WithComponent("notifier").WithFields(logger.Fields{
					"type":  note.Type,
					"panic": fmt.Sprint(r),
				}).Error("notification sender panicked")
			}
		}()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		_ = n.Notify(sendCtx, note)
	}()
}

// Wait blocks until detached deliveries finish or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notifications still in flight"), ctx.Err())
	}
}
