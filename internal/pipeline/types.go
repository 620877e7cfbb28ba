// Package pipeline implements the router: the central 5-stage state
// machine that turns one inbound message into either a plain-text
// reply or a dispatch envelope.
package pipeline

// Input is one inbound message, already stripped of transport framing.
type Input struct {
	RequestID       string
	OwnerToken      string // canonical phone, or "telegram:<id>" for Telegram-only senders
	IsTelegram      bool
	TelegramID      string
	TransportChatID string // group chat id, if any
	UserMessage     string
}

// Output is the pipeline's result: at most one of Reply or Dispatch is
// set, and both are empty when the message is dropped silently (rate
// limiting).
type Output struct {
	Reply    string
	Dispatch *DispatchEnvelope
}

// DispatchEnvelope forwards a message to another family member or
// group while acknowledging the sender.
type DispatchEnvelope struct {
	SendTo           string // recipient's canonical phone
	SendBody         string
	ReplyToSender    string
	SendToTelegramID string // preferred over SendTo when set
	SendToGroup      string
}
