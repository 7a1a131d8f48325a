package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"guardlink/internal/database"
	"guardlink/internal/models"
	"guardlink/internal/server"
	"guardlink/internal/service"
	"guardlink/pkg/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const e2eKey = "e2e-key"

type reference struct {
	srv     *server.Server
	ts      *httptest.Server
	db      *database.Database
	offline atomic.Bool
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func startReference(t *testing.T) *reference {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)

	ref := &reference{db: db}
	ref.srv = server.NewServer(server.Config{APIKey: e2eKey, HeartbeatInterval: 50 * time.Millisecond}, db, quietLogger())
	handler := ref.srv.Handler()
	ref.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ref.offline.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))

	t.Cleanup(func() {
		ref.srv.Hub().Close()
		ref.ts.Close()
		_ = db.Close()
	})
	return ref
}

func (r *reference) client(push bool) *transport.Client {
	return transport.NewClient(transport.ClientConfig{
		BaseURL:            r.ts.URL,
		APIKey:             e2eKey,
		Timeout:            time.Second,
		PushEnabled:        push,
		BreakerMaxFailures: 5,
		BreakerTimeout:     50 * time.Millisecond,
	}, nil, quietLogger())
}

func sessionConfig(push bool) service.SessionConfig {
	return service.SessionConfig{
		Connection: service.ConnectionConfig{
			PushEnabled:      push,
			PollInterval:     20 * time.Millisecond,
			PollTimeout:      time.Second,
			MaxPollFailures:  2,
			HeartbeatTimeout: 500 * time.Millisecond,
			ReconnectInitial: 10 * time.Millisecond,
			ReconnectMax:     50 * time.Millisecond,
		},
		Delivery: service.PipelineConfig{
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     40 * time.Millisecond,
			MaxAttempts:    100,
			SendTimeout:    time.Second,
			MaxBodyLength:  500,
		},
	}
}

func (r *reference) open(t *testing.T, push bool) *service.ChatSession {
	t.Helper()
	session := service.NewChatSession("B1", r.client(push), sessionConfig(push), quietLogger())
	require.NoError(t, session.Open(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = session.Close(ctx)
	})
	return session
}

func (r *reference) stored(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := r.db.ListMessages(context.Background(), "B1", 100)
	require.NoError(t, err)
	return msgs
}

func TestEndToEnd_ParticipantsSeeEachOther(t *testing.T) {
	ref := startReference(t)
	client := ref.open(t, true)
	operator := ref.open(t, false)

	require.Eventually(t, func() bool {
		return ref.srv.Hub().Count("B1") == 1
	}, time.Second, 5*time.Millisecond)

	_, err := client.Send(models.SenderRoleClient, "client-1", "is the team close?")
	require.NoError(t, err)
	_, err = operator.Send(models.SenderRoleOperator, "op-1", "five minutes out")
	require.NoError(t, err)

	for _, session := range []*service.ChatSession{client, operator} {
		require.Eventually(t, func() bool {
			msgs := session.Messages()
			if len(msgs) != 2 {
				return false
			}
			for _, m := range msgs {
				if m.IsTemporary() || m.DeliveryState != models.DeliveryStateSent {
					return false
				}
			}
			return true
		}, 2*time.Second, 10*time.Millisecond)
	}
	assert.Len(t, ref.stored(t), 2)
}

func TestEndToEnd_StatusChangeAnnouncedOnce(t *testing.T) {
	ref := startReference(t)
	client := ref.open(t, true)
	operator := ref.open(t, false)

	require.NoError(t, ref.client(false).UpdateBookingStatus(context.Background(), "B1", models.BookingStatusDeployed))

	require.Eventually(t, func() bool {
		return client.Status() == models.BookingStatusDeployed && operator.Status() == models.BookingStatusDeployed
	}, 2*time.Second, 10*time.Millisecond)

	systemRows := func() int {
		n := 0
		for _, m := range ref.stored(t) {
			if m.IsSystemMessage {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return systemRows() == 1 }, 2*time.Second, 10*time.Millisecond)

	for _, session := range []*service.ChatSession{client, operator} {
		require.Eventually(t, func() bool {
			msgs := session.Messages()
			return len(msgs) == 1 && msgs[0].DeliveryState == models.DeliveryStateSent
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, models.BookingStatusDeployed.SystemMessage(), session.Messages()[0].Body)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, systemRows())
}

func TestEndToEnd_SendDuringOutageConverges(t *testing.T) {
	ref := startReference(t)
	session := ref.open(t, false)

	require.Eventually(t, func() bool {
		return session.ConnectionState() == models.ConnectionStateConnected
	}, time.Second, 5*time.Millisecond)

	ref.offline.Store(true)
	require.Eventually(t, func() bool {
		return session.ConnectionState() == models.ConnectionStateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	pending, err := session.Send(models.SenderRoleClient, "client-1", "are you there?")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, session.Messages(), 1)
	assert.NotEqual(t, models.DeliveryStateSent, session.Messages()[0].DeliveryState)
	assert.Empty(t, ref.stored(t))

	ref.offline.Store(false)
	require.Eventually(t, func() bool {
		msgs := session.Messages()
		return len(msgs) == 1 && !msgs[0].IsTemporary() && msgs[0].DeliveryState == models.DeliveryStateSent
	}, 3*time.Second, 10*time.Millisecond)

	stored := ref.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, pending.ID, stored[0].ClientKey)
	assert.Equal(t, stored[0].ID, session.Messages()[0].ID)
}
