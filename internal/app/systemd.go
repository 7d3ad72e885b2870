package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"quietbot/pkg/logx"
)

// sdNotify reports a state to systemd. Outside a Type=notify unit
// NOTIFY_SOCKET is unset and this is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}
