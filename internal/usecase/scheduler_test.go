package usecase

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creator-agent/internal/domain"
	"creator-agent/internal/repository"
)

type fakeAutoStore struct {
	defs      []domain.AutomatedMessage
	listErr   error
	recordErr error
	fans      []string
	fansErr   error

	recorded []domain.Message
}

func (f *fakeAutoStore) ListAutomatedMessages(_ context.Context, _ string) ([]domain.AutomatedMessage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.defs, nil
}

func (f *fakeAutoStore) RecordAutomatedSend(_ context.Context, _ domain.AutomatedMessage, msg domain.Message) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, msg)
	return nil
}

func (f *fakeAutoStore) ListFans(_ context.Context, _ string) ([]string, error) {
	if f.fansErr != nil {
		return nil, f.fansErr
	}
	return f.fans, nil
}

func newTestScheduler(t *testing.T, autos *fakeAutoStore, conv *fakeAppender) *SchedulerService {
	t.Helper()
	svc, err := NewSchedulerService(autos, conv, autos, slog.Default())
	require.NoError(t, err)
	return svc
}

func countDef(threshold int) domain.AutomatedMessage {
	return domain.AutomatedMessage{
		ID:             "auto-count",
		PersonaID:      "persona-1",
		Content:        "You've been so chatty today 💕",
		TriggerType:    domain.TriggerMessageCount,
		CountThreshold: threshold,
		Active:         true,
	}
}

func scheduledDef(at time.Time) domain.AutomatedMessage {
	return domain.AutomatedMessage{
		ID:          "auto-sched",
		PersonaID:   "persona-1",
		Content:     "Good morning! ☀️",
		MediaRef:    "https://cdn.example.com/morning.jpg",
		MediaKind:   domain.MediaPhoto,
		TriggerType: domain.TriggerScheduled,
		ScheduledAt: at,
		Active:      true,
	}
}

func TestEvaluateCountTriggers_FiresAtThreshold(t *testing.T) {
	autos := &fakeAutoStore{defs: []domain.AutomatedMessage{countDef(5)}}
	conv := &fakeAppender{}
	svc := newTestScheduler(t, autos, conv)

	sent, err := svc.EvaluateCountTriggers(context.Background(), "persona-1", "fan-1", 5)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, domain.RolePersona, sent[0].Role)
	require.Equal(t, "You've been so chatty today 💕", sent[0].Text)
	require.Len(t, autos.recorded, 1)
}

func TestEvaluateCountTriggers_BelowThresholdSkips(t *testing.T) {
	autos := &fakeAutoStore{defs: []domain.AutomatedMessage{countDef(5)}}
	svc := newTestScheduler(t, autos, &fakeAppender{})

	sent, err := svc.EvaluateCountTriggers(context.Background(), "persona-1", "fan-1", 4)
	require.NoError(t, err)
	require.Empty(t, sent)
	require.Empty(t, autos.recorded)
}

func TestEvaluateCountTriggers_AlreadySentSkips(t *testing.T) {
	def := countDef(5)
	def.SentTo = []string{"fan-1"}
	autos := &fakeAutoStore{defs: []domain.AutomatedMessage{def}}
	svc := newTestScheduler(t, autos, &fakeAppender{})

	sent, err := svc.EvaluateCountTriggers(context.Background(), "persona-1", "fan-1", 6)
	require.NoError(t, err)
	require.Empty(t, sent)
}

func TestEvaluateCountTriggers_InactiveSkips(t *testing.T) {
	def := countDef(5)
	def.Active = false
	autos := &fakeAutoStore{defs: []domain.AutomatedMessage{def}}
	svc := newTestScheduler(t, autos, &fakeAppender{})

	sent, err := svc.EvaluateCountTriggers(context.Background(), "persona-1", "fan-1", 10)
	require.NoError(t, err)
	require.Empty(t, sent)
}

func TestEvaluateCountTriggers_GateDisabledSkipsSilently(t *testing.T) {
	autos := &fakeAutoStore{
		defs:      []domain.AutomatedMessage{countDef(5)},
		recordErr: repository.ErrAutomationDisabled,
	}
	svc := newTestScheduler(t, autos, &fakeAppender{})

	sent, err := svc.EvaluateCountTriggers(context.Background(), "persona-1", "fan-1", 5)
	require.NoError(t, err)
	require.Empty(t, sent)
	require.Empty(t, autos.recorded)
}

func TestEvaluateCountTriggers_DuplicateRaceLosesSilently(t *testing.T) {
	autos := &fakeAutoStore{
		defs:      []domain.AutomatedMessage{countDef(5)},
		recordErr: repository.ErrDuplicateSend,
	}
	svc := newTestScheduler(t, autos, &fakeAppender{})

	sent, err := svc.EvaluateCountTriggers(context.Background(), "persona-1", "fan-1", 5)
	require.NoError(t, err)
	require.Empty(t, sent)
}

func TestEvaluateScheduledTriggers_GatesOnTime(t *testing.T) {
	at := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)
	autos := &fakeAutoStore{defs: []domain.AutomatedMessage{scheduledDef(at)}}
	svc := newTestScheduler(t, autos, &fakeAppender{})
	ctx := context.Background()

	sent, err := svc.EvaluateScheduledTriggers(ctx, "persona-1", "fan-1", at.Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, sent)

	sent, err = svc.EvaluateScheduledTriggers(ctx, "persona-1", "fan-1", at)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, "https://cdn.example.com/morning.jpg", sent[0].MediaRef)
	require.Equal(t, domain.MediaPhoto, sent[0].MediaKind)
}

func TestEvaluateScheduledTriggers_ListError(t *testing.T) {
	autos := &fakeAutoStore{listErr: errors.New("dynamo down")}
	svc := newTestScheduler(t, autos, &fakeAppender{})

	_, err := svc.EvaluateScheduledTriggers(context.Background(), "persona-1", "fan-1", time.Now())
	requireUsecaseError(t, err, ErrorInternal, "automated_list_error")
}

func TestRunScheduledTick_SweepsAllFans(t *testing.T) {
	at := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)
	autos := &fakeAutoStore{defs: []domain.AutomatedMessage{scheduledDef(at)}}
	conv := &fakeAppender{}
	svc := newTestScheduler(t, autos, conv)

	sent, err := svc.RunScheduledTick(context.Background(), "persona-1", []string{"fan-1", "", "fan-2"}, at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, sent, 2)
	require.Equal(t, "fan-1", sent[0].FanID)
	require.Equal(t, "fan-2", sent[1].FanID)
}

func TestRunScheduledTick_NoFansGivenUsesIndex(t *testing.T) {
	at := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)
	autos := &fakeAutoStore{
		defs: []domain.AutomatedMessage{scheduledDef(at)},
		fans: []string{"fan-1", "fan-2"},
	}
	svc := newTestScheduler(t, autos, &fakeAppender{})

	sent, err := svc.RunScheduledTick(context.Background(), "persona-1", nil, at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, sent, 2)
	require.Equal(t, "fan-1", sent[0].FanID)
	require.Equal(t, "fan-2", sent[1].FanID)
}

func TestRunScheduledTick_FanIndexError(t *testing.T) {
	autos := &fakeAutoStore{fansErr: errors.New("dynamo down")}
	svc := newTestScheduler(t, autos, &fakeAppender{})

	_, err := svc.RunScheduledTick(context.Background(), "persona-1", nil, time.Now())
	requireUsecaseError(t, err, ErrorInternal, "fan_index_error")
}

func TestRunScheduledTick_RequiresPersona(t *testing.T) {
	svc := newTestScheduler(t, &fakeAutoStore{}, &fakeAppender{})
	_, err := svc.RunScheduledTick(context.Background(), "", []string{"fan-1"}, time.Now())
	requireUsecaseError(t, err, ErrorInvalidInput, "missing_persona_id")
}

func TestSend_SequenceFailureLoggedNotFatal(t *testing.T) {
	at := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)
	autos := &fakeAutoStore{defs: []domain.AutomatedMessage{scheduledDef(at)}}
	conv := &fakeAppender{seqErr: errors.New("dynamo down")}
	svc := newTestScheduler(t, autos, conv)

	sent, err := svc.EvaluateScheduledTriggers(context.Background(), "persona-1", "fan-1", at)
	require.NoError(t, err)
	require.Empty(t, sent)
}
