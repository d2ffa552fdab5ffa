package agent

import (
	"time"
)

// Event phases.
const (
	PhaseStartup = "startup"
	PhaseCycle   = "cycle"
)

// Event describes the outcome of the startup fetch or one loop cycle.
type Event struct {
	Time       time.Time `json:"time"`
	Phase      string    `json:"phase"`
	ReportPath string    `json:"report_path,omitempty"`
	Sample     *Sample   `json:"sample,omitempty"` // nil when no report path was known
	Reported   bool      `json:"reported"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
}

// Observer receives loop events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// MultiObserver fans events out to every non-nil observer.
func MultiObserver(observers ...Observer) Observer {
	var list []Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(e Event) {
		for _, o := range list {
			o.Observe(e)
		}
	})
}
