package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// notifyReconnectCap bounds the reconnect backoff for the notification
// socket. The socket is an optimization over polling, so slow reconnects
// are acceptable.
const notifyReconnectCap = 5 * time.Minute

// Notifier maintains a websocket subscription to a change-notification
// endpoint. Every message received triggers the callback; message content
// is ignored — it is only a hint that the remote document may have
// advanced, and the sync cycle re-fetches authoritatively.
type Notifier struct {
	url    string
	logger *slog.Logger

	// dialFunc is overridable for tests.
	dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewNotifier creates a Notifier for the given websocket URL.
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		url:    url,
		logger: logger,
		dialFunc: func(ctx context.Context, u string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, u, nil)
			return conn, err
		},
	}
}

// Run connects and dispatches notifications until ctx is canceled,
// reconnecting with exponential backoff on any failure. Always returns nil
// on clean cancellation.
func (n *Notifier) Run(ctx context.Context, onNotify func()) error {
	backoff := baseBackoff

	for {
		if err := n.readLoop(ctx, onNotify); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			n.logger.Warn("notification socket failed, reconnecting",
				slog.String("url", n.url),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
		}

		if sleepErr := timeSleep(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff *= 2
		if backoff > notifyReconnectCap {
			backoff = notifyReconnectCap
		}
	}
}

// readLoop dials the endpoint and dispatches messages until the connection
// drops or ctx is canceled.
func (n *Notifier) readLoop(ctx context.Context, onNotify func()) error {
	conn, err := n.dialFunc(ctx, n.url)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	n.logger.Info("notification socket connected", slog.String("url", n.url))

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		n.logger.Debug("change notification received")
		onNotify()
	}
}
