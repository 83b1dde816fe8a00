package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Outside systemd (no NOTIFY_SOCKET) these calls are no-ops.

func notifyReady()    { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func notifyStopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }

// watchdog pings systemd at half the configured WatchdogSec until ctx ends
// or the app reports a fatal error, so a wedged process gets restarted.
func watchdog(ctx context.Context, appDone <-chan struct{}) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-appDone:
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
