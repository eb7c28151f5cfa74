package chat

// Stage is how far a chat turn got. A failed turn reports the last stage it
// reached, StageRefundedAndFailed once a debit was reversed, or
// StageRefundFailed when the reversal itself failed and the charge stands.
type Stage int

const (
	StageValidating Stage = iota
	StagePricingResolved
	StageConversationResolved
	StageCreditsDebited
	StageMessagePersisted
	StageSkillCalled
	StageCompleted
	StageRefundedAndFailed
	StageRefundFailed
)

func (s Stage) String() string {
	switch s {
	case StageValidating:
		return "validating"
	case StagePricingResolved:
		return "pricing_resolved"
	case StageConversationResolved:
		return "conversation_resolved"
	case StageCreditsDebited:
		return "credits_debited"
	case StageMessagePersisted:
		return "message_persisted"
	case StageSkillCalled:
		return "skill_called"
	case StageCompleted:
		return "completed"
	case StageRefundedAndFailed:
		return "refunded_and_failed"
	case StageRefundFailed:
		return "refund_failed"
	}
	return "unknown"
}
