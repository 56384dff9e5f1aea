package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func TestNotifierDispatchesMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		for i := 0; i < 3; i++ {
			if err := conn.Write(ctx, websocket.MessageText, []byte("changed")); err != nil {
				return
			}
		}

		<-ctx.Done()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	n := NewNotifier(url, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan struct{}, 8)

	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx, func() { got <- struct{}{} })
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for notification %d", i+1)
		}
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("notifier did not stop on cancellation")
	}
}

func TestNotifierReturnsNilOnImmediateCancel(t *testing.T) {
	n := NewNotifier("ws://127.0.0.1:1/nowhere", slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, n.Run(ctx, func() {}))
}
