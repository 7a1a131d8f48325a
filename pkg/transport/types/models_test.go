package types

import (
	"encoding/json"
	"testing"
	"time"

	"guardlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageDTO_JSONFieldNames(t *testing.T) {
	dto := FromMessage(models.Message{
		ID:         "s1",
		BookingID:  "B1",
		SenderRole: models.SenderRoleClient,
		SenderID:   "client-1",
		Body:       "hello",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ClientKey:  "tmp_1_a",
	})

	data, err := json.Marshal(dto)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "s1", raw["id"])
	assert.Equal(t, "B1", raw["bookingId"])
	assert.Equal(t, "client", raw["senderRole"])
	assert.Equal(t, "tmp_1_a", raw["clientKey"])
	assert.Equal(t, "2026-03-01T12:00:00Z", raw["createdAt"])
	assert.NotContains(t, raw, "deliveryState")
}

func TestMessageDTO_OmitsEmptyClientKey(t *testing.T) {
	data, err := json.Marshal(MessageDTO{ID: "s1"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "clientKey")
}

func TestEvent_ToChangeEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		ok       bool
		expected models.ChangeEventType
	}{
		{name: "message", event: MessageEvent(models.Message{ID: "s1", BookingID: "B1"}), ok: true, expected: models.ChangeEventMessage},
		{name: "status", event: StatusEvent(models.BookingStatusArrived), ok: true, expected: models.ChangeEventStatus},
		{name: "heartbeat", event: HeartbeatEvent(), ok: true, expected: models.ChangeEventHeartbeat},
		{name: "message without payload", event: Event{Type: EventMessage}, ok: false},
		{name: "unknown status", event: Event{Type: EventStatus, Status: "teleported"}, ok: false},
		{name: "unknown type", event: Event{Type: "typing"}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, ok := tt.event.ToChangeEvent()
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.expected, change.Type)
			}
		})
	}
}

func TestEvent_MessageRoundTripKeepsClientKey(t *testing.T) {
	ev := MessageEvent(models.Message{ID: "s9", BookingID: "B1", Body: "hi", ClientKey: "tmp_sys_B1_accepted", IsSystemMessage: true})

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	change, ok := decoded.ToChangeEvent()
	require.True(t, ok)
	assert.Equal(t, "tmp_sys_B1_accepted", change.Message.ClientKey)
	assert.True(t, change.Message.IsSystemMessage)
	assert.Empty(t, change.Message.DeliveryState)
}
