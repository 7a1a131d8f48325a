package service

import (
	"sync"
	"testing"

	"guardlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSystemSender struct {
	mock.Mock
}

func (m *mockSystemSender) SendSystem(status models.BookingStatus, body string) (models.Message, error) {
	args := m.Called(status, body)
	return args.Get(0).(models.Message), args.Error(1)
}

// recordingSender collects announcements in order
type recordingSender struct {
	mu       sync.Mutex
	statuses []models.BookingStatus
}

func (r *recordingSender) SendSystem(status models.BookingStatus, body string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return models.Message{ID: SystemTemporaryID("B1", status), Body: body}, nil
}

func (r *recordingSender) sent() []models.BookingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.BookingStatus, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func TestStatusMachine_SequenceEmitsTwoMessages(t *testing.T) {
	sender := &recordingSender{}
	machine := NewStatusMachine("B1", sender, testLogger())

	for _, s := range []models.BookingStatus{
		models.BookingStatusPending,
		models.BookingStatusAccepted,
		models.BookingStatusAccepted,
		models.BookingStatusEnRoute,
	} {
		machine.Observe(s)
	}

	assert.Equal(t, []models.BookingStatus{models.BookingStatusAccepted, models.BookingStatusEnRoute}, sender.sent())
	assert.Equal(t, models.BookingStatusEnRoute, machine.Current())
}

func TestStatusMachine_UsesCanonicalTemplate(t *testing.T) {
	sender := new(mockSystemSender)
	sender.On("SendSystem", models.BookingStatusDeployed, "Your security team has been deployed.").
		Return(models.Message{ID: "tmp_sys_B1_deployed"}, nil).Once()

	machine := NewStatusMachine("B1", sender, testLogger())
	assert.False(t, machine.Observe(models.BookingStatusAccepted))
	assert.True(t, machine.Observe(models.BookingStatusDeployed))

	sender.AssertExpectations(t)
}

func TestStatusMachine_IgnoresStaleAndUnknown(t *testing.T) {
	sender := &recordingSender{}
	machine := NewStatusMachine("B1", sender, testLogger())

	machine.Observe(models.BookingStatusArrived)
	assert.False(t, machine.Observe(models.BookingStatusEnRoute))
	assert.False(t, machine.Observe(models.BookingStatusPending))
	assert.False(t, machine.Observe(models.BookingStatus("teleported")))

	assert.Empty(t, sender.sent())
	assert.Equal(t, models.BookingStatusArrived, machine.Current())
}

func TestStatusMachine_TerminalStatusFreezes(t *testing.T) {
	sender := &recordingSender{}
	machine := NewStatusMachine("B1", sender, testLogger())

	machine.Observe(models.BookingStatusInService)
	require.True(t, machine.Observe(models.BookingStatusCompleted))

	assert.False(t, machine.Observe(models.BookingStatusCancelled))
	assert.False(t, machine.Observe(models.BookingStatusInService))
	assert.False(t, machine.Observe(models.BookingStatusCompleted))

	assert.Equal(t, []models.BookingStatus{models.BookingStatusCompleted}, sender.sent())
	assert.Equal(t, models.BookingStatusCompleted, machine.Current())
}

func TestStatusMachine_CancelFromAnyActiveStatus(t *testing.T) {
	for _, start := range []models.BookingStatus{
		models.BookingStatusPending,
		models.BookingStatusAccepted,
		models.BookingStatusEnRoute,
		models.BookingStatusInService,
	} {
		t.Run(string(start), func(t *testing.T) {
			sender := &recordingSender{}
			machine := NewStatusMachine("B1", sender, testLogger())
			machine.Observe(start)
			assert.True(t, machine.Observe(models.BookingStatusCancelled))
			assert.Equal(t, []models.BookingStatus{models.BookingStatusCancelled}, sender.sent())
		})
	}
}

func TestStatusMachine_BaselineAtTerminalIsSilent(t *testing.T) {
	sender := &recordingSender{}
	machine := NewStatusMachine("B1", sender, testLogger())

	assert.False(t, machine.Observe(models.BookingStatusCancelled))
	assert.False(t, machine.Observe(models.BookingStatusAccepted))
	assert.Empty(t, sender.sent())
}

func TestStatusMachine_PushAndPollSameStatusEmitOnce(t *testing.T) {
	sender := &recordingSender{}
	machine := NewStatusMachine("B1", sender, testLogger())
	machine.Observe(models.BookingStatusPending)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			machine.Observe(models.BookingStatusAccepted)
		}()
	}
	wg.Wait()

	assert.Equal(t, []models.BookingStatus{models.BookingStatusAccepted}, sender.sent())
}

func TestStatusMachine_EmitsThroughPipeline(t *testing.T) {
	endpoint := newFakeEndpoint()
	pipeline, store := newTestPipeline(t, endpoint, fastPipelineConfig())
	machine := NewStatusMachine("B1", pipeline, testLogger())

	machine.Observe(models.BookingStatusPending)
	machine.Observe(models.BookingStatusAccepted)

	all := store.All()
	require.Len(t, all, 1)
	assert.True(t, all[0].IsSystemMessage)
	assert.Equal(t, models.SenderRoleSystem, all[0].SenderRole)
	assert.Equal(t, models.BookingStatusAccepted.SystemMessage(), all[0].Body)
}
