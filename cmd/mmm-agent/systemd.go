package main

import (
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"mmmagent/agent"
	"mmmagent/logger"
)

// notify sends state to systemd when running as a Type=notify unit.
// Outside systemd it is a no-op.
func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug("sd_notify failed", "state", state, "error", err)
	}
}

// systemdObserver reports READY=1 after the first successful directive
// fetch and keeps the unit's STATUS line current.
func systemdObserver() agent.Observer {
	var ready sync.Once
	return agent.ObserverFunc(func(e agent.Event) {
		if e.Phase == agent.PhaseStartup && e.Error == "" {
			ready.Do(func() { notify(daemon.SdNotifyReady) })
		}
		notify("STATUS=" + statusLine(e))
	})
}

func statusLine(e agent.Event) string {
	switch {
	case e.Error != "":
		return fmt.Sprintf("%s failed (%s): %s", e.Phase, e.ErrorKind, e.Error)
	case e.Sample != nil && e.Reported:
		return fmt.Sprintf("reported %d H/s at %d W", e.Sample.Rate, e.Sample.PowerUsage)
	case e.ReportPath == "":
		return "waiting for a mining operation"
	default:
		return "syncing with " + e.ReportPath
	}
}
