package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quietbot/internal/notifier"
	"quietbot/internal/quiethours"
	"quietbot/internal/redelivery"
	"quietbot/internal/storage"
)

// Services are the parts of the engine operator commands look at. Nil
// fields disable the matching command.
type Services struct {
	Quiet     QuietStatus
	Queue     QueueStats
	Redeliver Redeliverer
	History   *notifier.History
}

type QuietStatus interface {
	Now() time.Time
	Status(now time.Time) quiethours.Status
}

type QueueStats interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

type Redeliverer interface {
	Redeliver(ctx context.Context, id string) (redelivery.Outcome, error)
}

const timeLayout = "2006-01-02 15:04 MST"

// OpsCommands builds /quiet, /deferred and /redeliver from svc.
func OpsCommands(svc Services) []Command {
	var out []Command
	if svc.Quiet != nil {
		out = append(out, Command{
			Name:        "quiet",
			Description: "quiet hours status",
			Timeout:     5 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, quietText(svc.Quiet.Status(svc.Quiet.Now()), svc.History))
			},
		})
	}
	if svc.Queue != nil {
		out = append(out, Command{
			Name:        "deferred",
			Description: "deferred queue counts",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				st, err := svc.Queue.Stats(ctx)
				if err != nil {
					_ = req.Reply(ctx, "queue unavailable: "+escapeHTML(err.Error()))
					return err
				}
				return req.Reply(ctx, queueText(st))
			},
		})
	}
	if svc.Redeliver != nil {
		out = append(out, Command{
			Name:        "redeliver",
			Description: "deliver a deferred notification now",
			Usage:       "/redeliver <id>",
			Timeout:     time.Minute,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return req.Reply(ctx, "usage: <code>/redeliver &lt;id&gt;</code>")
				}
				id := req.Args[0]
				out, err := svc.Redeliver.Redeliver(ctx, id)
				switch {
				case errors.Is(err, storage.ErrNotFound):
					return req.Reply(ctx, "no such notification: <code>"+escapeHTML(id)+"</code>")
				case errors.Is(err, storage.ErrNotPending):
					return req.Reply(ctx, "notification is no longer pending")
				case err != nil:
					_ = req.Reply(ctx, "redelivery failed: "+escapeHTML(err.Error()))
					return err
				}
				return req.Reply(ctx, fmt.Sprintf("<code>%s</code>: %s", escapeHTML(id), out))
			},
		})
	}
	return out
}

func quietText(st quiethours.Status, hist *notifier.History) string {
	var b strings.Builder
	b.WriteString("<b>Quiet hours</b>\n")
	if !st.Enabled {
		b.WriteString("disabled\n")
	} else {
		state := "active window"
		if st.Muted {
			state = "muted"
		}
		fmt.Fprintf(&b, "window %s (%s), now %s\n", st.Window, escapeHTML(st.Timezone), state)
	}
	fmt.Fprintf(&b, "local time %s\n", st.Local.Format(timeLayout))
	fmt.Fprintf(&b, "next delivery %s\n", st.NextActive.In(st.Local.Location()).Format(timeLayout))
	if st.AllowEmergency {
		fmt.Fprintf(&b, "emergency keywords: %s\n", escapeHTML(strings.Join(st.Keywords, ", ")))
	} else {
		b.WriteString("emergency bypass off\n")
	}

	if hist != nil {
		if recent := hist.Recent(5); len(recent) > 0 {
			b.WriteString("\n<b>Recent</b>\n")
			for _, e := range recent {
				fmt.Fprintf(&b, "%s %s %s", e.Time.In(st.Local.Location()).Format("15:04"), e.Path, escapeHTML(e.Type))
				if e.Path == notifier.PathDeferred {
					fmt.Fprintf(&b, " <code>%s</code>", e.NotificationID)
				} else {
					fmt.Fprintf(&b, " %d/%d", e.Delivered, e.Attempted)
				}
				b.WriteString("\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func queueText(st storage.Stats) string {
	var b strings.Builder
	b.WriteString("<b>Deferred queue</b>\n")
	fmt.Fprintf(&b, "pending %d, sent %d, failed %d", st.Pending, st.Sent, st.Failed)
	if !st.NextDue.IsZero() {
		fmt.Fprintf(&b, "\nnext due %s", st.NextDue.UTC().Format(timeLayout))
	}
	return b.String()
}
