package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrRecipientUnavailable marks a send that failed because of the recipient
// (blocked the bot, deleted account, unknown chat). Retrying the same
// recipient does not help and it says nothing about the transport's health.
var ErrRecipientUnavailable = errors.New("recipient unavailable")

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Update struct {
	Message *Message
}

// ChatTarget addresses one chat. Admin recipients are private chats, so
// ThreadID is normally 0.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type ParseMode string

const (
	ParseModePlain      ParseMode = ""
	ParseModeHTML       ParseMode = "HTML"
	ParseModeMarkdown   ParseMode = "Markdown"
	ParseModeMarkdownV2 ParseMode = "MarkdownV2"
)

// SendOptions is the closed set of per-message delivery options. It is
// persisted with deferred notifications, so field names are stable.
type SendOptions struct {
	ParseMode      ParseMode `json:"parse_mode,omitempty"`
	DisablePreview bool      `json:"disable_preview,omitempty"`
	// Silent delivers without a sound on the recipient's device.
	Silent bool `json:"silent,omitempty"`
}

func (o SendOptions) Validate() error {
	switch o.ParseMode {
	case ParseModePlain, ParseModeHTML, ParseModeMarkdown, ParseModeMarkdownV2:
		return nil
	default:
		return fmt.Errorf("unsupported parse mode %q", o.ParseMode)
	}
}

// Sender delivers text to one chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a Sender that can also receive operator commands.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is a command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
