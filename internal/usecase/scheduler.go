package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"creator-agent/internal/domain"
	"creator-agent/internal/repository"
)

// AutomatedMessageStore holds creator-authored automated messages and the
// per-fan send log.
type AutomatedMessageStore interface {
	ListAutomatedMessages(ctx context.Context, personaID string) ([]domain.AutomatedMessage, error)
	RecordAutomatedSend(ctx context.Context, am domain.AutomatedMessage, msg domain.Message) error
}

// FanIndex lists the fans a persona has conversations with.
type FanIndex interface {
	ListFans(ctx context.Context, personaID string) ([]string, error)
}

// SchedulerService evaluates automated-message triggers. Message-count
// triggers run inline after each fan turn; scheduled triggers run on a
// periodic tick. Every definition fires at most once per fan: the send log
// update and the message append share one transaction, together with a
// re-check of the conversation's automation gate.
type SchedulerService struct {
	autos  AutomatedMessageStore
	conv   MessageAppender
	fans   FanIndex
	logger *slog.Logger
}

func NewSchedulerService(autos AutomatedMessageStore, conv MessageAppender, fans FanIndex, logger *slog.Logger) (*SchedulerService, error) {
	if autos == nil {
		return nil, errors.New("usecase: automated message store must not be nil")
	}
	if conv == nil {
		return nil, errors.New("usecase: message appender must not be nil")
	}
	if fans == nil {
		return nil, errors.New("usecase: fan index must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerService{autos: autos, conv: conv, fans: fans, logger: logger}, nil
}

// EvaluateCountTriggers fires all message_count definitions whose threshold
// the fan's message count has reached and that have not yet been sent to the
// fan. Returns the messages actually sent.
func (s *SchedulerService) EvaluateCountTriggers(ctx context.Context, personaID, fanID string, fanMessageCount int) ([]domain.Message, error) {
	return s.evaluate(ctx, personaID, fanID, func(am domain.AutomatedMessage) bool {
		return am.TriggerType == domain.TriggerMessageCount && fanMessageCount >= am.CountThreshold
	})
}

// EvaluateScheduledTriggers fires all scheduled definitions whose wall-clock
// time has passed and that have not yet been sent to the fan.
func (s *SchedulerService) EvaluateScheduledTriggers(ctx context.Context, personaID, fanID string, now time.Time) ([]domain.Message, error) {
	return s.evaluate(ctx, personaID, fanID, func(am domain.AutomatedMessage) bool {
		return am.TriggerType == domain.TriggerScheduled && !now.Before(am.ScheduledAt)
	})
}

// RunScheduledTick evaluates scheduled triggers for a persona. An explicit
// fanIDs slice restricts the sweep; when it is empty the persona's fan index
// supplies every fan that ever messaged. Per-fan failures are logged and do
// not stop the sweep.
func (s *SchedulerService) RunScheduledTick(ctx context.Context, personaID string, fanIDs []string, now time.Time) ([]domain.Message, error) {
	if personaID == "" {
		return nil, newError(ErrorInvalidInput, "missing_persona_id", nil)
	}
	if len(fanIDs) == 0 {
		var err error
		fanIDs, err = s.fans.ListFans(ctx, personaID)
		if err != nil {
			return nil, newError(ErrorInternal, "fan_index_error", err)
		}
	}
	var sent []domain.Message
	for _, fanID := range fanIDs {
		if fanID == "" {
			continue
		}
		msgs, err := s.EvaluateScheduledTriggers(ctx, personaID, fanID, now)
		if err != nil {
			s.logger.Warn("scheduled trigger evaluation failed", "persona", personaID, "fan", fanID, "err", err)
			continue
		}
		sent = append(sent, msgs...)
	}
	return sent, nil
}

func (s *SchedulerService) evaluate(ctx context.Context, personaID, fanID string, due func(domain.AutomatedMessage) bool) ([]domain.Message, error) {
	if err := validatePair(fanID, personaID); err != nil {
		return nil, err
	}
	defs, err := s.autos.ListAutomatedMessages(ctx, personaID)
	if err != nil {
		return nil, newError(ErrorInternal, "automated_list_error", err)
	}

	var sent []domain.Message
	for _, am := range defs {
		if !am.Active || !due(am) || am.SentToFan(fanID) {
			continue
		}
		msg, err := s.send(ctx, am, fanID)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateSend) {
				// Another evaluation won the race; the guarantee held.
				continue
			}
			if errors.Is(err, repository.ErrAutomationDisabled) {
				// The creator has taken over this conversation; stay silent.
				continue
			}
			s.logger.Warn("automated send failed", "persona", personaID, "fan", fanID, "message", am.ID, "err", err)
			continue
		}
		sent = append(sent, msg)
	}
	return sent, nil
}

func (s *SchedulerService) send(ctx context.Context, am domain.AutomatedMessage, fanID string) (domain.Message, error) {
	seq, _, err := s.conv.NextSeq(ctx, fanID, am.PersonaID, false)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		FanID:     fanID,
		PersonaID: am.PersonaID,
		Role:      domain.RolePersona,
		Text:      am.Content,
		MediaRef:  am.MediaRef,
		MediaKind: am.MediaKind,
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.autos.RecordAutomatedSend(ctx, am, msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}
