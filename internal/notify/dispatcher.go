package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"subsync/internal/db"
	"subsync/internal/model"
	"subsync/internal/sched"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Auto-hide spans per severity. Error notifications are persistent and
// stay until dismissed.
const (
	successHide = 5 * time.Second
	infoHide    = 5 * time.Second
	warningHide = 10 * time.Second
)

type EventBus interface {
	PublishClient(clientID string, event map[string]interface{}) error
}

// Dispatcher owns user-facing notifications. Every notification is pushed
// to the owning client over the bus; non-persistent ones auto-dismiss
// after a severity-dependent delay.
type Dispatcher struct {
	mu     sync.Mutex
	active map[string]*model.Notification
	timers map[string]func()

	queries *db.Queries // nil when persistence is unavailable
	bus     EventBus
	clock   sched.Scheduler
	log     *zap.Logger
}

func NewDispatcher(queries *db.Queries, bus EventBus, clock sched.Scheduler, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		active:  make(map[string]*model.Notification),
		timers:  make(map[string]func()),
		queries: queries,
		bus:     bus,
		clock:   clock,
		log:     log,
	}
}

func (d *Dispatcher) Success(clientID, title, message string) {
	d.publish(model.Notification{
		ClientID: clientID,
		Severity: model.SeveritySuccess,
		Title:    title,
		Message:  message,
		AutoHide: successHide,
	})
}

func (d *Dispatcher) Error(clientID, title, message, details string) {
	d.publish(model.Notification{
		ClientID:   clientID,
		Severity:   model.SeverityError,
		Title:      title,
		Message:    message,
		Details:    details,
		Persistent: true,
	})
}

func (d *Dispatcher) Info(clientID, title, message string) {
	d.publish(model.Notification{
		ClientID: clientID,
		Severity: model.SeverityInfo,
		Title:    title,
		Message:  message,
		AutoHide: infoHide,
	})
}

func (d *Dispatcher) Warning(clientID, title, message string) {
	d.publish(model.Notification{
		ClientID: clientID,
		Severity: model.SeverityWarning,
		Title:    title,
		Message:  message,
		AutoHide: warningHide,
	})
}

// Dismiss removes a notification. Explicit dismissal works on any
// notification, persistent or not.
func (d *Dispatcher) Dismiss(ctx context.Context, id string) {
	d.mu.Lock()
	n, ok := d.active[id]
	if ok {
		delete(d.active, id)
	}
	if cancel, armed := d.timers[id]; armed {
		cancel()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if d.queries != nil {
		if err := d.queries.DismissNotification(ctx, id); err != nil {
			d.log.Debug("Failed to persist dismissal", zap.String("notification_id", id), zap.Error(err))
		}
	}

	d.send(n.ClientID, map[string]interface{}{
		"type":           "notification.dismissed",
		"notificationId": id,
	})
}

// List returns the active notifications for a client, oldest first.
func (d *Dispatcher) List(clientID string) []model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]model.Notification, 0, len(d.active))
	for _, n := range d.active {
		if n.ClientID == clientID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop cancels all auto-dismiss timers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, cancel := range d.timers {
		cancel()
		delete(d.timers, id)
	}
}

func (d *Dispatcher) publish(n model.Notification) {
	n.ID = ulid.Make().String()
	n.CreatedAt = d.clock.Now()

	d.mu.Lock()
	d.active[n.ID] = &n
	if !n.Persistent && n.AutoHide > 0 {
		id := n.ID
		d.timers[id] = d.clock.After(n.AutoHide, func() { d.autoDismiss(id) })
	}
	d.mu.Unlock()

	if d.queries != nil {
		row := db.NotificationRow{
			ID:         n.ID,
			ClientID:   n.ClientID,
			Severity:   string(n.Severity),
			Title:      n.Title,
			Message:    n.Message,
			Persistent: n.Persistent,
		}
		if n.Details != "" {
			row.Details = &n.Details
		}
		if err := d.queries.CreateNotification(context.Background(), row); err != nil {
			d.log.Debug("Failed to persist notification", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}

	d.send(n.ClientID, map[string]interface{}{
		"type":         "notification.created",
		"notification": n,
	})
}

func (d *Dispatcher) autoDismiss(id string) {
	d.mu.Lock()
	n, ok := d.active[id]
	if ok {
		delete(d.active, id)
	}
	delete(d.timers, id)
	d.mu.Unlock()
	if !ok {
		return
	}

	if d.queries != nil {
		if err := d.queries.DismissNotification(context.Background(), id); err != nil {
			d.log.Debug("Failed to persist auto-dismissal", zap.String("notification_id", id), zap.Error(err))
		}
	}

	d.send(n.ClientID, map[string]interface{}{
		"type":           "notification.dismissed",
		"notificationId": id,
	})
}

func (d *Dispatcher) send(clientID string, event map[string]interface{}) {
	if err := d.bus.PublishClient(clientID, event); err != nil {
		d.log.Debug("Failed to publish notification event", zap.Error(err))
	}
}
