package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"guardlink/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func serverMessage(id string, offset time.Duration, body string) models.Message {
	return models.Message{
		ID:         id,
		BookingID:  "B1",
		SenderRole: models.SenderRoleOperator,
		SenderID:   "op-1",
		Body:       body,
		CreatedAt:  baseTime.Add(offset),
	}
}

func pendingMessage(tempID string, offset time.Duration, body string) models.Message {
	return models.Message{
		ID:            tempID,
		BookingID:     "B1",
		SenderRole:    models.SenderRoleClient,
		SenderID:      "client-1",
		Body:          body,
		CreatedAt:     baseTime.Add(offset),
		DeliveryState: models.DeliveryStatePending,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageStore_InsertsInCreationOrder(t *testing.T) {
	store := NewMessageStore("B1", testLogger())

	store.Merge(serverMessage("s3", 3*time.Second, "third"))
	store.Merge(serverMessage("s1", 1*time.Second, "first"))
	store.Merge(serverMessage("s2b", 2*time.Second, "tie b"))
	store.Merge(serverMessage("s2a", 2*time.Second, "tie a"))

	assert.Equal(t, []string{"s1", "s2a", "s2b", "s3"}, ids(store.All()))
	for _, m := range store.All() {
		assert.Equal(t, models.DeliveryStateSent, m.DeliveryState)
	}
}

func TestMessageStore_DuplicateMergeIsNoop(t *testing.T) {
	store := NewMessageStore("B1", testLogger())
	msg := serverMessage("s1", 0, "hello")

	assert.True(t, store.Merge(msg))
	assert.False(t, store.Merge(msg))
	assert.False(t, store.MergeAll([]models.Message{msg, msg}))
	assert.Equal(t, 1, store.Len())
}

func TestMessageStore_UpdatesServerEntryInPlace(t *testing.T) {
	store := NewMessageStore("B1", testLogger())
	store.MergeAll([]models.Message{
		serverMessage("s1", 1*time.Second, "first"),
		serverMessage("s2", 2*time.Second, "second"),
	})

	edited := serverMessage("s1", 1*time.Second, "first (edited)")
	assert.True(t, store.Merge(edited))

	got, ok := store.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "first (edited)", got.Body)
	assert.Equal(t, []string{"s1", "s2"}, ids(store.All()))
}

func TestMessageStore_ConfirmationTakesServerPosition(t *testing.T) {
	store := NewMessageStore("B1", testLogger())

	store.Merge(pendingMessage("tmp_1_a", 1*time.Second, "on my way"))
	store.Merge(serverMessage("s-op", 2*time.Second, "see you soon"))

	// Server timestamp is later than the operator's message
	confirmed := serverMessage("s1", 5*time.Second, "on my way")
	confirmed.SenderRole = models.SenderRoleClient
	confirmed.SenderID = "client-1"
	confirmed.ClientKey = "tmp_1_a"
	confirmed.ReplacesTemporaryID = "tmp_1_a"

	assert.True(t, store.Merge(confirmed))

	all := store.All()
	assert.Equal(t, []string{"s-op", "s1"}, ids(all))
	assert.Equal(t, models.DeliveryStateSent, all[1].DeliveryState)
	assert.Empty(t, all[1].ReplacesTemporaryID)
	assert.Equal(t, "tmp_1_a", all[1].ClientKey)
}

func TestMessageStore_LiveViewMatchesReload(t *testing.T) {
	live := NewMessageStore("B1", testLogger())

	live.Merge(pendingMessage("tmp_1_a", 0, "first"))
	live.Merge(serverMessage("s_o", 10*time.Millisecond, "operator"))

	confirmed := serverMessage("s_a", 20*time.Millisecond, "first")
	confirmed.SenderRole = models.SenderRoleClient
	confirmed.SenderID = "client-1"
	confirmed.ClientKey = "tmp_1_a"
	confirmed.ReplacesTemporaryID = "tmp_1_a"
	live.Merge(confirmed)

	live.Merge(serverMessage("s_p", 15*time.Millisecond, "polled"))

	persisted := serverMessage("s_a", 20*time.Millisecond, "first")
	persisted.SenderRole = models.SenderRoleClient
	persisted.SenderID = "client-1"
	persisted.ClientKey = "tmp_1_a"

	reload := NewMessageStore("B1", testLogger())
	reload.MergeAll([]models.Message{
		persisted,
		serverMessage("s_o", 10*time.Millisecond, "operator"),
		serverMessage("s_p", 15*time.Millisecond, "polled"),
	})

	assert.Equal(t, []string{"s_o", "s_p", "s_a"}, ids(live.All()))
	assert.Equal(t, ids(reload.All()), ids(live.All()))

	// the same row arriving again from poll changes nothing
	assert.False(t, live.Merge(persisted))
	assert.Equal(t, ids(reload.All()), ids(live.All()))
}

func TestMessageStore_IdempotentInBothOrders(t *testing.T) {
	confirmation := serverMessage("s1", 5*time.Second, "hi")
	confirmation.ClientKey = "tmp_1_a"
	confirmation.ReplacesTemporaryID = "tmp_1_a"

	pushed := serverMessage("s1", 5*time.Second, "hi")
	pushed.ClientKey = "tmp_1_a"

	orders := map[string][]models.Message{
		"push then confirmation": {pushed, confirmation},
		"confirmation then push": {confirmation, pushed},
	}

	var results [][]models.Message
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			store := NewMessageStore("B1", testLogger())
			store.Merge(pendingMessage("tmp_1_a", 1*time.Second, "hi"))
			for _, m := range order {
				store.Merge(m)
			}
			all := store.All()
			require.Len(t, all, 1)
			assert.Equal(t, "s1", all[0].ID)
			results = append(results, all)
		})
	}
	require.Len(t, results, 2)
	assert.Equal(t, results[0], results[1])
}

func TestMessageStore_DropsTemporaryWhenServerCopyAlreadyPresent(t *testing.T) {
	store := NewMessageStore("B1", testLogger())

	store.Merge(pendingMessage("tmp_1_a", 1*time.Second, "hi"))
	// A poll delivered the row before its key was known
	store.Merge(serverMessage("s1", 2*time.Second, "hi"))
	require.Equal(t, 2, store.Len())

	confirmation := serverMessage("s1", 2*time.Second, "hi")
	confirmation.ReplacesTemporaryID = "tmp_1_a"
	assert.True(t, store.Merge(confirmation))

	assert.Equal(t, []string{"s1"}, ids(store.All()))
	got, _ := store.Get("s1")
	assert.Equal(t, "tmp_1_a", got.ClientKey)
}

func TestMessageStore_StaleTemporaryUpdateIgnored(t *testing.T) {
	store := NewMessageStore("B1", testLogger())
	store.Merge(pendingMessage("tmp_1_a", 0, "hi"))

	confirmed := serverMessage("s1", time.Second, "hi")
	confirmed.ClientKey = "tmp_1_a"
	store.Merge(confirmed)

	failed := pendingMessage("tmp_1_a", 0, "hi")
	failed.DeliveryState = models.DeliveryStateFailed
	assert.False(t, store.Merge(failed))
	assert.Equal(t, []string{"s1"}, ids(store.All()))

	found, ok := store.FindByClientKey("tmp_1_a")
	require.True(t, ok)
	assert.Equal(t, "s1", found.ID)
}

func TestMessageStore_TemporaryStateUpdateInPlace(t *testing.T) {
	store := NewMessageStore("B1", testLogger())
	store.Merge(pendingMessage("tmp_1_a", 1*time.Second, "first"))
	store.Merge(pendingMessage("tmp_2_b", 2*time.Second, "second"))

	failed := pendingMessage("tmp_1_a", 9*time.Second, "first")
	failed.DeliveryState = models.DeliveryStateFailed
	assert.True(t, store.Merge(failed))

	all := store.All()
	assert.Equal(t, []string{"tmp_1_a", "tmp_2_b"}, ids(all))
	assert.Equal(t, models.DeliveryStateFailed, all[0].DeliveryState)
	assert.True(t, all[0].CreatedAt.Equal(baseTime.Add(time.Second)))
}

func TestMessageStore_RejectsForeignAndAnonymousMessages(t *testing.T) {
	store := NewMessageStore("B1", testLogger())

	foreign := serverMessage("s1", 0, "hi")
	foreign.BookingID = "B2"
	assert.False(t, store.Merge(foreign))
	assert.False(t, store.Merge(models.Message{Body: "no id"}))

	unscoped := serverMessage("s2", 0, "hi")
	unscoped.BookingID = ""
	assert.True(t, store.Merge(unscoped))
	got, _ := store.Get("s2")
	assert.Equal(t, "B1", got.BookingID)
}

func TestMessageStore_OnChange(t *testing.T) {
	store := NewMessageStore("B1", testLogger())

	var calls int32
	store.OnChange(func() { atomic.AddInt32(&calls, 1) })

	store.Merge(serverMessage("s1", 0, "hi"))
	store.Merge(serverMessage("s1", 0, "hi"))
	store.MergeAll([]models.Message{serverMessage("s2", time.Second, "a"), serverMessage("s3", 2*time.Second, "b")})
	store.MergeAll(nil)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMessageStore_ObserverMayReadStore(t *testing.T) {
	store := NewMessageStore("B1", testLogger())
	var seen int
	store.OnChange(func() { seen = store.Len() })

	store.Merge(serverMessage("s1", 0, "hi"))
	assert.Equal(t, 1, seen)
}

func TestMessageStore_ConcurrentMergesConverge(t *testing.T) {
	store := NewMessageStore("B1", testLogger())

	var batch []models.Message
	for i := 0; i < 50; i++ {
		batch = append(batch, serverMessage(fmt.Sprintf("s%02d", i), time.Duration(i)*time.Second, "x"))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := range batch {
				store.Merge(batch[(i+offset)%len(batch)])
			}
		}(g * 7)
	}
	wg.Wait()

	all := store.All()
	require.Len(t, all, 50)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Before(all[i]), "entries out of order at %d", i)
	}
}
