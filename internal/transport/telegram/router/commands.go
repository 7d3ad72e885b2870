// Package router dispatches operator commands received over Telegram.
// Every command is owner-only.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"quietbot/internal/runtime/supervisor"
	"quietbot/internal/transport"
	"quietbot/pkg/logx"
)

type Command struct {
	Name        string // without the leading slash
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
	Sender  transport.Sender
}

// Reply sends an HTML message back to the requesting chat.
func (r *Request) Reply(ctx context.Context, html string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, html, &transport.SendOptions{
		ParseMode:      transport.ParseModeHTML,
		DisablePreview: true,
	})
	return err
}

const (
	defaultWorkers = 2
	jobQueueCap    = 64
)

type Manager struct {
	log     logx.Logger
	adapter transport.Sender

	mu       sync.RWMutex
	owners   []int64
	commands map[string]Command

	jobs chan func()
}

func NewManager(log logx.Logger, adapter transport.Sender, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:      log,
		adapter:  adapter,
		owners:   append([]int64(nil), owners...),
		commands: map[string]Command{},
		jobs:     make(chan func(), jobQueueCap),
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetCommands replaces the command set; /help is always added. When the
// adapter publishes a menu, it is updated in the background.
func (m *Manager) SetCommands(ctx context.Context, cmds []Command) {
	set := map[string]Command{}
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Name), "/"))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		set[name] = c
	}
	set["help"] = Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText())
		},
	}

	m.mu.Lock()
	m.commands = set
	m.mu.Unlock()

	up, ok := m.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := m.menu()
	go func() {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}()
}

func (m *Manager) sorted() []Command {
	m.mu.RLock()
	out := make([]Command, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) menu() []transport.BotCommand {
	cmds := m.sorted()
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (m *Manager) helpText() string {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range m.sorted() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("<code>" + escapeHTML(usage) + "</code> " + escapeHTML(c.Description) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// DispatchLoop reads updates until ctx ends or updates is closed. Commands
// run on a small worker pool.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))))
	for i := 0; i < defaultWorkers; i++ {
		sup.GoRestart("command.worker", m.work, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("command dispatcher started", logx.Int("workers", defaultWorkers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.jobs:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func (m *Manager) route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	fields := strings.Fields(strings.TrimSpace(msg.Text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID}

	// strangers get no hint that a command exists
	if !m.isOwner(msg.FromID) {
		m.log.Debug("command from non-owner ignored", logx.Int64("from_id", msg.FromID), logx.String("cmd", name))
		return
	}

	m.mu.RLock()
	cmd, ok := m.commands[name]
	m.mu.RUnlock()
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: name,
		Args:    fields[1:],
		ReqID:   rid,
		Sender:  m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}
	final := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(cmd.Timeout))

	select {
	case m.jobs <- func() { _ = final(ctx, req) }:
	default:
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func newReqID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }
