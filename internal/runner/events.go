package runner

// Event is a lifecycle tag attached to log items. It is implemented only by
// BuildEvent and ExecEvent.
type Event interface {
	String() string
	isEvent()
}

// BuildEvent tags the lifecycle of a build run.
type BuildEvent string

const (
	BuildStarted   BuildEvent = "BUILD_STARTED"
	BuildSucceeded BuildEvent = "BUILD_SUCCEEDED"
	BuildFailed    BuildEvent = "BUILD_FAILED"
)

func (e BuildEvent) String() string { return string(e) }
func (BuildEvent) isEvent() {}

// ExecEvent tags the lifecycle of an ad-hoc command run.
type ExecEvent string

const (
	ProcessStarted   ExecEvent = "PROCESS_STARTED"
	ProcessSucceeded ExecEvent = "PROCESS_SUCCEEDED"
	ProcessFailed    ExecEvent = "PROCESS_FAILED"
)

func (e ExecEvent) String() string { return string(e) }
func (ExecEvent) isEvent() {}

// EventSet holds the three lifecycle events of one runner kind.
type EventSet struct {
	Started   Event
	Succeeded Event
	Failed    Event
}

var (
	BuildEvents = EventSet{Started: BuildStarted, Succeeded: BuildSucceeded, Failed: BuildFailed}
	ExecEvents  = EventSet{Started: ProcessStarted, Succeeded: ProcessSucceeded, Failed: ProcessFailed}
)

// ParseExecEvent maps a wire tag to an ExecEvent.
func ParseExecEvent(s string) (ExecEvent, bool) {
	switch e := ExecEvent(s); e {
	case ProcessStarted, ProcessSucceeded, ProcessFailed:
		return e, true
	}
	return "", false
}

// ParseBuildEvent maps a wire tag to a BuildEvent.
func ParseBuildEvent(s string) (BuildEvent, bool) {
	switch e := BuildEvent(s); e {
	case BuildStarted, BuildSucceeded, BuildFailed:
		return e, true
	}
	return "", false
}
