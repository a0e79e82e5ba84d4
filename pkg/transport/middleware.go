package transport

import (
	"context"
	"encoding/json"
)

// Middleware wraps a Transport with additional behavior.
type Middleware interface {
	Wrap(transport Transport) Transport
}

// Chain applies middlewares to base. The first middleware becomes the
// outermost layer, so it sees every call first.
func Chain(base Transport, middlewares ...Middleware) Transport {
	t := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		t = middlewares[i].Wrap(t)
	}
	return t
}

// wrappedTransport delegates everything to next. Middlewares embed it and
// override the calls they care about.
type wrappedTransport struct {
	next Transport
}

func (w *wrappedTransport) Connect(ctx context.Context) error { return w.next.Connect(ctx) }
func (w *wrappedTransport) Start(ctx context.Context) error   { return w.next.Start(ctx) }
func (w *wrappedTransport) Close(ctx context.Context) error   { return w.next.Close(ctx) }

func (w *wrappedTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return w.next.SendRequest(ctx, method, params)
}

func (w *wrappedTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	return w.next.SendNotification(ctx, method, params)
}

func (w *wrappedTransport) SetNotificationHandler(handler NotificationHandler) {
	w.next.SetNotificationHandler(handler)
}
