package chat

// Outcome is how a send ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeDeleted    Outcome = "deleted"
)

// Hooks observes the send pipeline. Callbacks run on the sending goroutine
// and must not block.
type Hooks interface {
	// OnUserMessage is called once the user turn is persisted.
	OnUserMessage(chatID string, msg ChatMessage)
	// OnStreamStart is called before the model request is opened.
	OnStreamStart(chatID string)
	// OnStreamDelta receives the accumulated reply after every text delta.
	OnStreamDelta(chatID string, accumulated string)
	// OnStreamEnd reports the outcome. msg is the committed assistant
	// message, nil for failed, superseded and deleted sends.
	OnStreamEnd(chatID string, outcome Outcome, msg *ChatMessage)
}

// NopHooks is a no-op implementation of Hooks.
type NopHooks struct{}

func (NopHooks) OnUserMessage(string, ChatMessage)         {}
func (NopHooks) OnStreamStart(string)                      {}
func (NopHooks) OnStreamDelta(string, string)              {}
func (NopHooks) OnStreamEnd(string, Outcome, *ChatMessage) {}
