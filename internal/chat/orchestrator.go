// Package chat runs one credit-metered chat turn: price it, charge it, ask the
// skill service, record both sides of the exchange and refund the charge when
// the turn cannot be completed.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/illegalcall/skillchat/internal/conversation"
	"github.com/illegalcall/skillchat/internal/ledger"
	"github.com/illegalcall/skillchat/internal/metrics"
	"github.com/illegalcall/skillchat/internal/models"
	"github.com/illegalcall/skillchat/internal/pricing"
	"github.com/illegalcall/skillchat/internal/skill"
)

type PricingCatalog interface {
	Lookup(ctx context.Context, modelName string) (*models.ModelPricing, error)
}

type Ledger interface {
	GetBalance(ctx context.Context, customerID string) (int64, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (*ledger.DebitResult, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.CreditResult, error)
}

type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	RecentMessages(ctx context.Context, conversationID string, n int) ([]models.Message, error)
}

type SkillClient interface {
	Session(conversationID string) *skill.Session
	Send(ctx context.Context, session *skill.Session, req skill.Request) (*skill.Response, error)
}

type AlarmPublisher interface {
	PublishAlarm(ctx context.Context, alarm models.RefundAlarm) error
}

type Options struct {
	DefaultModel  string
	TitleLength   int
	HistoryWindow int
	// RefundTimeout bounds the compensating credit, which runs even when the
	// caller's context has already been cancelled.
	RefundTimeout time.Duration
}

const (
	defaultTitleLength   = 50
	defaultHistoryWindow = 20
	defaultRefundTimeout = 10 * time.Second
	untitled             = "New conversation"
)

type Orchestrator struct {
	pricing  PricingCatalog
	ledger   Ledger
	store    ConversationStore
	skills   SkillClient
	alarms   AlarmPublisher
	opts     Options
	logger   *slog.Logger
	alarmLog *slog.Logger
	metrics  *metrics.Metrics
}

// New wires an orchestrator. alarms may be nil, in which case refund failures
// are only logged and counted.
func New(catalog PricingCatalog, l Ledger, store ConversationStore, skills SkillClient, alarms AlarmPublisher, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TitleLength <= 0 {
		opts.TitleLength = defaultTitleLength
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.RefundTimeout <= 0 {
		opts.RefundTimeout = defaultRefundTimeout
	}
	return &Orchestrator{
		pricing:  catalog,
		ledger:   l,
		store:    store,
		skills:   skills,
		alarms:   alarms,
		opts:     opts,
		logger:   logger,
		alarmLog: logger.With("channel", "ledger-alarm"),
		metrics:  metrics.Get(),
	}
}

// turn is the state of one request as it moves through the stages.
type turn struct {
	stage        Stage
	customerID   string
	req          models.ChatRequest
	modelName    string
	cost         int64
	conv         *models.Conversation
	debit        *ledger.DebitResult
	userMessage  *models.Message
	skillsResult *skill.Response
}

// Handle runs one chat turn for customerID. The stages run strictly in order;
// once credits are debited, any failure refunds exactly the debited amount.
func (o *Orchestrator) Handle(ctx context.Context, customerID string, req models.ChatRequest) (*models.ChatResult, error) {
	start := time.Now()
	t := &turn{stage: StageValidating, customerID: customerID, req: req}

	result, err := o.run(ctx, t)

	o.metrics.ChatDuration.Observe(time.Since(start).Seconds())
	o.metrics.ChatRequestsTotal.WithLabelValues(t.stage.String()).Inc()
	if err != nil {
		o.logger.Warn("Chat turn failed",
			"customer_id", customerID,
			"stage", t.stage.String(),
			"model", t.modelName,
			"error", err,
		)
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, t *turn) (*models.ChatResult, error) {
	if err := validate(t.customerID, t.req); err != nil {
		return nil, err
	}

	t.modelName = t.req.ModelName
	if t.modelName == "" {
		t.modelName = o.opts.DefaultModel
	}
	entry, err := o.pricing.Lookup(ctx, t.modelName)
	if err != nil {
		if errors.Is(err, pricing.ErrModelNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, o.internal("pricing lookup", err)
	}
	t.cost = entry.CreditsCost
	t.stage = StagePricingResolved

	balance, err := o.ledger.GetBalance(ctx, t.customerID)
	if err != nil {
		return nil, o.internal("balance read", err)
	}
	if balance < t.cost {
		return nil, &InsufficientCreditsError{Current: balance, Required: t.cost}
	}

	if err := o.resolveConversation(ctx, t); err != nil {
		return nil, err
	}
	t.stage = StageConversationResolved

	debit, err := o.ledger.Debit(ctx, ledger.DebitRequest{
		CustomerID:     t.customerID,
		Amount:         t.cost,
		ModelName:      t.modelName,
		ConversationID: t.conv.ID,
	})
	if err != nil {
		return nil, o.internal("debit", err)
	}
	if !debit.Success {
		return nil, &DebitRejectedError{
			Reason:   debit.Error,
			Current:  debit.CurrentCredits,
			Required: debit.RequiredCredits,
		}
	}
	t.debit = debit
	t.stage = StageCreditsDebited

	t.userMessage = &models.Message{
		ConversationID: t.conv.ID,
		Role:           models.RoleUser,
		Content:        t.req.Message,
	}
	if file := t.req.File(); file != nil {
		t.userMessage.FileURL = &file.URL
		t.userMessage.FileName = optional(file.Name)
		t.userMessage.FileType = optional(file.Type)
	}
	if err := o.store.AppendMessage(ctx, t.userMessage); err != nil {
		return nil, o.failAfterDebit(ctx, t, "persist user message", err, ErrInternal)
	}
	t.stage = StageMessagePersisted

	history, err := o.history(ctx, t)
	if err != nil {
		return nil, o.failAfterDebit(ctx, t, "read history", err, ErrInternal)
	}

	resp, err := o.skills.Send(ctx, o.skills.Session(t.conv.ID), skill.Request{
		Message:       t.req.Message,
		WorkloadLevel: t.req.WorkloadLevel,
		Function:      t.req.SelectedFunction,
		File:          t.req.File(),
		History:       history,
		ModelName:     t.modelName,
	})
	if err != nil {
		return nil, o.failAfterDebit(ctx, t, "skill call", err, ErrSkillUnavailable)
	}
	t.skillsResult = resp
	t.stage = StageSkillCalled

	reply := &models.Message{
		ConversationID: t.conv.ID,
		Role:           models.RoleAssistant,
		Content:        resp.Content,
	}
	if err := o.store.AppendMessage(ctx, reply); err != nil {
		return nil, o.failAfterDebit(ctx, t, "persist assistant message", err, ErrInternal)
	}
	t.stage = StageCompleted

	o.logger.Info("Chat turn completed",
		"customer_id", t.customerID,
		"conversation_id", t.conv.ID,
		"model", t.modelName,
		"cost", t.cost,
		"credits_after", t.debit.CreditsAfter,
		"skills_used", resp.SkillsUsed,
	)

	return &models.ChatResult{
		ConversationID: t.conv.ID,
		Message:        models.ChatMessage{Role: models.RoleAssistant, Content: resp.Content},
		SkillsUsed:     resp.SkillsUsed,
		CreditsAfter:   t.debit.CreditsAfter,
	}, nil
}

func validate(customerID string, req models.ChatRequest) error {
	if customerID == "" {
		return invalid("customer is required")
	}
	if strings.TrimSpace(req.Message) == "" && req.File() == nil {
		return invalid("message or file is required")
	}
	if !req.WorkloadLevel.Valid() {
		return invalid("workloadLevel must be one of instant, basic, standard, professional")
	}
	if req.SelectedFunction != "" && !req.SelectedFunction.Valid() {
		return invalid("selectedFunction must be one of lab, radiology, medical_record, medication")
	}
	return nil
}

func (o *Orchestrator) resolveConversation(ctx context.Context, t *turn) error {
	if t.req.ConversationID != "" {
		conv, err := o.store.GetByID(ctx, t.req.ConversationID)
		if err != nil {
			if errors.Is(err, conversation.ErrNotFound) {
				return ErrConversationForbidden
			}
			return o.internal("conversation fetch", err)
		}
		if conv.CustomerID != t.customerID {
			return ErrConversationForbidden
		}
		t.conv = conv
		return nil
	}

	conv := &models.Conversation{
		CustomerID:    t.customerID,
		Title:         Title(t.req, o.opts.TitleLength),
		WorkloadLevel: t.req.WorkloadLevel,
		ModelName:     t.modelName,
	}
	if t.req.SelectedFunction != "" {
		fn := t.req.SelectedFunction
		conv.SelectedFunction = &fn
	}
	if err := o.store.Create(ctx, conv); err != nil {
		return o.internal("conversation create", err)
	}
	t.conv = conv
	return nil
}

// history returns the turns preceding the current one, oldest first.
func (o *Orchestrator) history(ctx context.Context, t *turn) ([]models.ChatMessage, error) {
	recent, err := o.store.RecentMessages(ctx, t.conv.ID, o.opts.HistoryWindow+1)
	if err != nil {
		return nil, err
	}

	history := make([]models.ChatMessage, 0, len(recent))
	for _, m := range recent {
		if m.ID == t.userMessage.ID {
			continue
		}
		history = append(history, models.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if len(history) > o.opts.HistoryWindow {
		history = history[len(history)-o.opts.HistoryWindow:]
	}
	return history, nil
}

// failAfterDebit refunds the debit and returns the user-facing error.
func (o *Orchestrator) failAfterDebit(ctx context.Context, t *turn, step string, cause, userErr error) error {
	o.logger.Error("Chat turn failed after debit",
		"customer_id", t.customerID,
		"conversation_id", t.conv.ID,
		"transaction_id", t.debit.TransactionID,
		"step", step,
		"error", cause,
	)
	if o.refund(ctx, t, cause) {
		t.stage = StageRefundedAndFailed
	} else {
		t.stage = StageRefundFailed
	}
	return userErr
}

// refund reports whether the debited credits are back with the customer.
func (o *Orchestrator) refund(ctx context.Context, t *turn, cause error) bool {
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.RefundTimeout)
	defer cancel()

	result, err := o.ledger.Credit(refundCtx, ledger.CreditRequest{
		CustomerID:     t.customerID,
		Amount:         t.cost,
		Reason:         "refund:" + t.modelName,
		ModelName:      t.modelName,
		ConversationID: t.conv.ID,
		RefundOf:       t.debit.TransactionID,
	})
	if err == nil {
		o.metrics.RefundsTotal.WithLabelValues("success").Inc()
		o.logger.Info("Refund issued",
			"customer_id", t.customerID,
			"refund_of", t.debit.TransactionID,
			"amount", t.cost,
			"credits_after", result.CreditsAfter,
		)
		return true
	}
	if errors.Is(err, ledger.ErrAlreadyRefunded) {
		o.metrics.RefundsTotal.WithLabelValues("duplicate").Inc()
		return true
	}

	o.metrics.RefundsTotal.WithLabelValues("failed").Inc()
	o.metrics.RefundFailuresTotal.Inc()

	alarm := models.RefundAlarm{
		CustomerID:         t.customerID,
		ConversationID:     t.conv.ID,
		DebitTransactionID: t.debit.TransactionID,
		ModelName:          t.modelName,
		Amount:             t.cost,
		FailureCause:       cause.Error(),
		RefundError:        err.Error(),
		Source:             "chat",
		OccurredAt:         time.Now().UTC(),
	}
	o.alarmLog.Error("REFUND FAILED: customer charged without a reply",
		"customer_id", alarm.CustomerID,
		"conversation_id", alarm.ConversationID,
		"debit_transaction_id", alarm.DebitTransactionID,
		"model", alarm.ModelName,
		"amount", alarm.Amount,
		"failure_cause", alarm.FailureCause,
		"refund_error", alarm.RefundError,
	)
	if o.alarms != nil {
		if err := o.alarms.PublishAlarm(refundCtx, alarm); err != nil {
			o.alarmLog.Error("Failed to publish refund alarm", "debit_transaction_id", alarm.DebitTransactionID, "error", err)
		}
	}
	return false
}

func (o *Orchestrator) internal(step string, err error) error {
	o.logger.Error("Chat dependency failed", "step", step, "error", err)
	return ErrInternal
}

// Title derives a conversation title from the opening message, falling back
// to the attached file's name.
func Title(req models.ChatRequest, maxRunes int) string {
	text := strings.Join(strings.Fields(req.Message), " ")
	if text == "" {
		if req.FileName != "" {
			return req.FileName
		}
		return untitled
	}
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxRunes])) + "..."
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
