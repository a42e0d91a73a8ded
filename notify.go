package pair

import (
	"context"

	"github.com/golang/glog"
)

// out-of-band push delivery, fire and forget. failures are logged and
// never block the calling operation.
type NotificationDispatcher interface {
	Notify(ctx context.Context, userIds []Id, title string, body string, data map[string]string)
}

type logNotificationDispatcher struct {
}

func NewLogNotificationDispatcher() NotificationDispatcher {
	return &logNotificationDispatcher{}
}

func (self *logNotificationDispatcher) Notify(ctx context.Context, userIds []Id, title string, body string, data map[string]string) {
	glog.V(2).Infof("[nd]notify n=%d title=%s\n", len(userIds), title)
}
