package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"creator-agent/internal/domain"
	"creator-agent/internal/repository"
)

const (
	defaultMaxContext    = 20
	defaultMaxMessageLen = 2000

	// How many recent fan turns the implied-media post-pass looks at.
	impliedMediaFanTurns = 3
)

// apologyText is the canned fallback when the completion capability fails.
// The turn still resolves with a reply; the conversation never dead-ends.
const apologyText = "Ugh, my phone is being so slow right now 😅 say that again in a sec?"

// refusalPhrases flag a draft that contradicts a pre-attached photo.
var refusalPhrases = []string{
	"i can't send",
	"i cannot send",
	"i can't share",
	"i cannot share",
	"i'm not able to send",
	"i am not able to send",
	"i'm unable to send",
	"unable to share",
	"don't send photos",
	"can't send photos",
	"can't send pictures",
	"je ne peux pas envoyer",
	"as an ai",
}

// mediaAcks replace a refusing draft when a photo is attached. The attachment
// is never dropped to match a contradictory refusal.
var mediaAcks = []string{
	"Just took this for you 😘",
	"Here you go... hope you like it 💕",
	"Okay okay, sending one your way 😏",
	"Took this just now, thinking of you ✨",
}

// ParamGetter reads configuration values from the parameter store.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// CompletionClient is the language-completion and media-synthesis capability.
type CompletionClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	GenerateImage(ctx context.Context, model, prompt string) (string, error)
}

// ConversationStore is the durable message log plus the automation gate.
type ConversationStore interface {
	NextSeq(ctx context.Context, fanID, personaID string, countFanMessage bool) (int64, int, error)
	PutMessage(ctx context.Context, msg domain.Message) error
	PutPersonaReply(ctx context.Context, msg domain.Message) error
	RegisterFan(ctx context.Context, fanID, personaID string) error
	ListMessages(ctx context.Context, fanID, personaID string, sinceSeq int64) ([]domain.Message, error)
	AutomationEnabled(ctx context.Context, fanID, personaID string) (bool, error)
	UpsertSetting(ctx context.Context, setting domain.ConversationSetting) error
	GetPersonaProfile(ctx context.Context, personaID string) (domain.PersonaProfile, error)
}

// CountTriggerEvaluator fires message-count automated messages after a fan
// turn. Failures are the scheduler's to log; they never fail the turn.
type CountTriggerEvaluator interface {
	EvaluateCountTriggers(ctx context.Context, personaID, fanID string, fanMessageCount int) ([]domain.Message, error)
}

// ChatService orchestrates a fan turn: gate checks, context building, media
// intent, persona reply generation and the gate-re-checked persist.
type ChatService struct {
	store           ConversationStore
	llm             CompletionClient
	params          ParamGetter
	countTriggers   CountTriggerEvaluator
	paramPrefix     string
	maxContextItems int
	maxMessageLen   int
	logger          *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	basePrompt  string
	chatModel   string
	imageModel  string
}

type TurnInput struct {
	FanID     string
	PersonaID string
	Text      string
}

// TurnOutput reports the persisted fan message and, when automation allowed
// one, the persona reply. Reply is nil when the gate suppressed it; that is
// a success, not an error.
type TurnOutput struct {
	FanMessage domain.Message
	Reply      *domain.Message
}

func NewChatService(store ConversationStore, llm CompletionClient, params ParamGetter, countTriggers CountTriggerEvaluator, paramPrefix string, maxContextItems, maxMessageLen int, logger *slog.Logger) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxContextItems <= 0 {
		maxContextItems = defaultMaxContext
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:           store,
		llm:             llm,
		params:          params,
		countTriggers:   countTriggers,
		paramPrefix:     paramPrefix,
		maxContextItems: maxContextItems,
		maxMessageLen:   maxMessageLen,
		logger:          logger,
	}, nil
}

// HandleFanTurn runs one inbound fan message through the full pipeline. The
// fan message is always persisted; whether a persona reply follows depends on
// the automation gate, which is consulted before generation and again,
// atomically, at persist time.
func (s *ChatService) HandleFanTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if err := validatePair(in.FanID, in.PersonaID); err != nil {
		return TurnOutput{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len([]rune(text)) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "param_load_error", err)
	}

	profile, err := s.store.GetPersonaProfile(ctx, in.PersonaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return TurnOutput{}, newError(ErrorInvalidInput, "unknown_persona", nil)
		}
		return TurnOutput{}, newError(ErrorInternal, "persona_lookup_error", err)
	}

	seq, fanCount, err := s.store.NextSeq(ctx, in.FanID, in.PersonaID, true)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "sequence_error", err)
	}
	fanMsg := domain.Message{
		ID:        uuid.NewString(),
		FanID:     in.FanID,
		PersonaID: in.PersonaID,
		Role:      domain.RoleFan,
		Text:      text,
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutMessage(ctx, fanMsg); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "message_write_error", err)
	}
	if err := s.store.RegisterFan(ctx, in.FanID, in.PersonaID); err != nil {
		s.logger.Warn("fan index update failed", "fan", in.FanID, "persona", in.PersonaID, "err", err)
	}

	// Early gate check: when the creator has taken over the conversation,
	// neither automated sends nor the expensive generation work run. A read
	// failure counts as disabled.
	enabled, err := s.store.AutomationEnabled(ctx, in.FanID, in.PersonaID)
	if err != nil {
		s.logger.Warn("automation gate read failed, suppressing reply", "fan", in.FanID, "persona", in.PersonaID, "err", err)
		return TurnOutput{FanMessage: fanMsg}, nil
	}
	if !enabled {
		return TurnOutput{FanMessage: fanMsg}, nil
	}

	if s.countTriggers != nil {
		if _, err := s.countTriggers.EvaluateCountTriggers(ctx, in.PersonaID, in.FanID, fanCount); err != nil {
			s.logger.Warn("count trigger evaluation failed", "fan", in.FanID, "persona", in.PersonaID, "err", err)
		}
	}

	reply, err := s.generateReply(ctx, profile, in.FanID, in.PersonaID, text)
	if err != nil {
		return TurnOutput{}, err
	}
	return TurnOutput{FanMessage: fanMsg, Reply: reply}, nil
}

// generateReply builds the bounded context, runs the media passes and the
// completion, and persists through the gate-transactional write. The pre-pass
// classifies fanText, the turn's own fan message, so an automated send landing
// after it in the history cannot shadow the fan's request. A nil reply with
// nil error means the gate cancelled the in-flight result.
func (s *ChatService) generateReply(ctx context.Context, profile domain.PersonaProfile, fanID, personaID, fanText string) (*domain.Message, error) {
	history, err := s.store.ListMessages(ctx, fanID, personaID, 0)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	window := BuildContextWindow(history, s.maxContextItems)

	var (
		mediaRef  string
		directive = DetectFanMediaRequest(fanText)
	)
	if directive != nil {
		mediaRef = s.synthesize(ctx, profile, *directive)
	}

	system := buildPersonaPrompt(s.basePromptValue(), profile, mediaRef != "", directive)
	draft, err := s.llm.Chat(ctx, s.chatModelValue(), buildPromptMessages(system, window))
	if err != nil {
		s.logger.Warn("completion failed, using fallback reply", "persona", personaID, "err", err)
		draft = apologyText
	}
	draft = strings.TrimSpace(draft)
	if draft == "" {
		draft = apologyText
	}

	if mediaRef != "" && containsRefusal(draft) {
		draft = mediaAcks[len(draft)%len(mediaAcks)]
	}

	if mediaRef == "" {
		implied, confidence := DetectImpliedMedia(draft, recentFanTexts(window, impliedMediaFanTurns))
		if implied != nil && confidence >= impliedMediaThreshold {
			mediaRef = s.synthesize(ctx, profile, *implied)
			directive = implied
		}
	}

	seq, _, err := s.store.NextSeq(ctx, fanID, personaID, false)
	if err != nil {
		return nil, newError(ErrorInternal, "sequence_error", err)
	}
	reply := domain.Message{
		ID:        uuid.NewString(),
		FanID:     fanID,
		PersonaID: personaID,
		Role:      domain.RolePersona,
		Text:      draft,
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
	}
	if mediaRef != "" {
		reply.MediaRef = mediaRef
		reply.MediaKind = domain.MediaPhoto
	}

	if err := s.store.PutPersonaReply(ctx, reply); err != nil {
		if errors.Is(err, repository.ErrAutomationDisabled) {
			s.logger.Info("automation disabled mid-flight, reply discarded", "fan", fanID, "persona", personaID)
			return nil, nil
		}
		return nil, newError(ErrorInternal, "reply_write_error", err)
	}
	return &reply, nil
}

// synthesize calls the image capability for a directive. Failures are
// non-fatal: the reply goes out text-only.
func (s *ChatService) synthesize(ctx context.Context, profile domain.PersonaProfile, directive domain.MediaDirective) string {
	ref, err := s.llm.GenerateImage(ctx, s.imageModelValue(), imagePrompt(profile, directive))
	if err != nil {
		s.logger.Warn("media synthesis failed, continuing without attachment",
			"persona", profile.ID, "classification", string(directive.Classification), "err", err)
		return ""
	}
	return ref
}

// ListMessages returns the ordered message log after the given sequence
// cursor; sinceSeq 0 returns everything. This is the polling read.
func (s *ChatService) ListMessages(ctx context.Context, fanID, personaID string, sinceSeq int64) ([]domain.Message, error) {
	if err := validatePair(fanID, personaID); err != nil {
		return nil, err
	}
	if sinceSeq < 0 {
		return nil, newError(ErrorInvalidInput, "negative_cursor", nil)
	}
	msgs, err := s.store.ListMessages(ctx, fanID, personaID, sinceSeq)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	return msgs, nil
}

// Automation reads the gate for a conversation.
func (s *ChatService) Automation(ctx context.Context, fanID, personaID string) (bool, error) {
	if err := validatePair(fanID, personaID); err != nil {
		return false, err
	}
	enabled, err := s.store.AutomationEnabled(ctx, fanID, personaID)
	if err != nil {
		return false, newError(ErrorInternal, "gate_read_error", err)
	}
	return enabled, nil
}

// SetAutomation toggles the gate. Takes effect for the next message; an
// in-flight generation is cancelled at persist time by the store-side check.
func (s *ChatService) SetAutomation(ctx context.Context, fanID, personaID string, enabled bool) error {
	if err := validatePair(fanID, personaID); err != nil {
		return err
	}
	err := s.store.UpsertSetting(ctx, domain.ConversationSetting{
		FanID:             fanID,
		PersonaID:         personaID,
		AutomationEnabled: enabled,
		UpdatedAt:         time.Now().UTC(),
	})
	if err != nil {
		return newError(ErrorInternal, "gate_write_error", err)
	}
	return nil
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	basePrompt, err := s.params.GetParameter(ctx, s.paramPrefix+"/base_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load base prompt: %w", err)
	}
	chatModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/chat_model")
	if err != nil {
		return fmt.Errorf("usecase: load chat model: %w", err)
	}
	imageModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/image_model")
	if err != nil {
		return fmt.Errorf("usecase: load image model: %w", err)
	}

	s.basePrompt = basePrompt
	s.chatModel = chatModel
	s.imageModel = imageModel
	s.cacheLoaded = true
	return nil
}

func (s *ChatService) basePromptValue() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.basePrompt
}

func (s *ChatService) chatModelValue() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.chatModel
}

func (s *ChatService) imageModelValue() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.imageModel
}

func validatePair(fanID, personaID string) *Error {
	if strings.TrimSpace(fanID) == "" {
		return newError(ErrorInvalidInput, "missing_fan_id", nil)
	}
	if strings.TrimSpace(personaID) == "" {
		return newError(ErrorInvalidInput, "missing_persona_id", nil)
	}
	return nil
}

func containsRefusal(draft string) bool {
	lower := strings.ToLower(draft)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// recentFanTexts returns the texts of up to n trailing fan turns from the
// window, oldest first.
func recentFanTexts(window domain.ContextWindow, n int) []string {
	texts := make([]string, 0, n)
	for i := len(window.Recent) - 1; i >= 0 && len(texts) < n; i-- {
		if window.Recent[i].Role == domain.RoleFan {
			texts = append(texts, window.Recent[i].Text)
		}
	}
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	return texts
}
