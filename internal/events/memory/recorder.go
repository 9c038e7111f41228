// Package memory provides an in-process event publisher and notifier. It
// records everything it receives and mirrors it to the log.
package memory

import (
	"context"
	"sync"

	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/logging"
	"github.com/sirupsen/logrus"
)

type Published struct {
	Topic string
	Event any
}

type Notification struct {
	UserID    string
	EventType string
}

type Recorder struct {
	mu            sync.Mutex
	log           logrus.FieldLogger
	published     []Published
	notifications []Notification
	notifyErr     error
}

func NewRecorder(log logrus.FieldLogger) *Recorder {
	return &Recorder{log: logging.OrBase(log)}
}

func (r *Recorder) Publish(ctx context.Context, topic string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, Published{Topic: topic, Event: event})
	r.log.WithField("topic", topic).Debugf("event %T", event)
	return nil
}

func (r *Recorder) Notify(ctx context.Context, userID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notifyErr != nil {
		return r.notifyErr
	}
	r.notifications = append(r.notifications, Notification{UserID: userID, EventType: eventType})
	r.log.WithFields(logrus.Fields{"user_id": userID, "event_type": eventType}).Debug("notification")
	return nil
}

// FailNotifications makes every later Notify return err.
func (r *Recorder) FailNotifications(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyErr = err
}

func (r *Recorder) Published() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.published...)
}

func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

var _ interfaces.EventPublisher = (*Recorder)(nil)
var _ interfaces.Notifier = (*Recorder)(nil)
