// Package systemd reports service state to the systemd service manager:
// readiness, shutdown, status lines and watchdog keep-alives. Every call is
// a no-op when the process does not run under systemd.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "minekeeper/pkg/logx"
)

// Notifier sends sd_notify messages. The zero value is disabled.
type Notifier struct {
	enabled bool
	log     logx.Logger
}

func NewNotifier(enabled bool, log logx.Logger) *Notifier {
	return &Notifier{enabled: enabled, log: log.Or(logx.Nop()).With(logx.String("comp", "systemd"))}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports startup complete.
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

// Stopping reports that shutdown began.
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Reloading reports a configuration reload; call Ready when it is done.
func (n *Notifier) Reloading() bool {
	return n.send(fmt.Sprintf("%s\nMONOTONIC_USEC=%d", daemon.SdNotifyReloading, time.Now().UnixMicro()))
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the service manager at half the configured WatchdogSec
// until ctx is done. It returns at once when the watchdog is not enabled
// for this process.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if n == nil || !n.enabled {
		return nil
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	n.log.Debug("watchdog started", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
