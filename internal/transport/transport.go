// Package transport defines the contract the bridge uses to talk to
// a chat surface: sending, editing, and deleting rendered messages.
// Grounded on original_source/src/yee88/transport.py and presenter.py.
package transport

import "context"

// ChannelId, MessageId, and ThreadId are opaque chat-surface
// identifiers. The Python original allows int|str; every transport
// observed in the pack (Telegram, Slack, Discord-style bots) can
// render its native id as a string, so the bridge standardises on
// string and lets each Transport implementation do its own
// conversion at the edge.
type ChannelId = string
type MessageId = string
type ThreadId = string

// MessageRef identifies a previously sent message well enough to edit
// or delete it later.
type MessageRef struct {
	ChannelId ChannelId
	MessageId MessageId
	ThreadId  ThreadId
	SenderId  string
	Raw       any
}

// RenderedMessage is the text (plus transport-specific extras, e.g.
// parse mode or attachments) a Presenter produces.
type RenderedMessage struct {
	Text  string
	Extra map[string]any
}

// SendOptions customises one send/edit call.
type SendOptions struct {
	ReplyTo  *MessageRef
	Notify   bool
	Replace  *MessageRef
	ThreadId ThreadId
}

// Transport is the narrow surface a chat integration must implement.
// Send/Edit/Delete are best-effort from the caller's perspective: a
// TransportError is logged, never raised into the run (spec §7).
type Transport interface {
	Close(ctx context.Context) error
	Send(ctx context.Context, channelId ChannelId, message RenderedMessage, options *SendOptions) (*MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, message RenderedMessage, wait bool) (*MessageRef, error)
	Delete(ctx context.Context, ref MessageRef) (bool, error)
}
