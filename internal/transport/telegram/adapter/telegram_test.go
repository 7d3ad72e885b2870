package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"quietbot/internal/transport"
	"quietbot/pkg/logx"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	a, err := New(Config{Token: "123:test", Offline: true}, logx.Nop())
	require.NoError(t, err)
	a.bot.URL = srv.URL
	return a
}

func TestSendTextHonoursContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	// runs before srv.Close so the hung handler returns
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.SendText(ctx, transport.ChatTarget{ChatID: 42}, "hello", nil)
	took := time.Since(start)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, took, 2*time.Second)
}

func TestSendTextReturnsMessageRef(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
	})

	ref, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 42}, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, transport.MessageRef{ChatID: 42, MessageID: 7}, ref)
}

func TestSendTextMarksBlockedRecipientUnavailable(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	})

	_, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 42}, "hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrRecipientUnavailable)
	assert.ErrorIs(t, err, tele.ErrBlockedByUser)
}

func TestClassifySendErrorKeepsTransientErrors(t *testing.T) {
	t.Parallel()

	err := classifySendError(tele.ErrInternal)
	assert.NotErrorIs(t, err, transport.ErrRecipientUnavailable)
	assert.ErrorIs(t, err, tele.ErrInternal)
}
