package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskboard/pkg/logx"
)

// notifier reports lifecycle transitions to the service manager.
type notifier interface {
	Ready()
	Stopping()
}

// systemdNotifier speaks sd_notify. Outside systemd (no NOTIFY_SOCKET) every
// call is a no-op.
type systemdNotifier struct {
	log logx.Logger
}

func newSystemdNotifier(log logx.Logger) notifier {
	return systemdNotifier{log: log}
}

func (n systemdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n systemdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n systemdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
