package server

// Phase is the lifecycle stage of a session. Transitions are one-way: a
// session never re-enters WAITING, and ENDED is terminal.
type Phase int

const (
	PhaseWaiting Phase = iota
	PhaseActive
	PhaseResetting
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseActive:
		return "active"
	case PhaseResetting:
		return "resetting"
	case PhaseEnded:
		return "ended"
	}
	return "unknown"
}

var phaseEdges = map[Phase][]Phase{
	PhaseWaiting:   {PhaseActive, PhaseEnded},
	PhaseActive:    {PhaseResetting, PhaseEnded},
	PhaseResetting: {PhaseActive, PhaseEnded},
}

func (p Phase) canTransition(to Phase) bool {
	for _, next := range phaseEdges[p] {
		if next == to {
			return true
		}
	}
	return false
}

// EndReason explains why a session ended. It rides on the end_game payload so
// clients can distinguish natural completion from disruption.
type EndReason string

const (
	ReasonTimeUp         EndReason = "time_up"
	ReasonDelivered      EndReason = "delivered_goal"
	ReasonPartnerLeft    EndReason = "partner_left"
	ReasonEngineError    EndReason = "engine_error"
	ReasonServerShutdown EndReason = "server_shutdown"
)

const (
	statusDone     = "done"
	statusInactive = "inactive"
)

// status maps the reason onto the two client-visible outcomes: "done" for
// sessions that ran to a natural finish, "inactive" for everything cut short.
func (r EndReason) status() string {
	switch r {
	case ReasonTimeUp, ReasonDelivered:
		return statusDone
	}
	return statusInactive
}
