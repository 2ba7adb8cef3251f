package hitl

import "github.com/fieldlab/missionctl/internal/interrupt"

// ClientFrame is the wire shape of every client→server frame:
// "send_message" carries Content; "decision" carries Decisions.
type ClientFrame struct {
	Type      string           `json:"type"`
	Content   string           `json:"content,omitempty"`
	Decisions []ClientDecision `json:"decisions,omitempty"`
}

// ClientDecision is one entry of a "decision" frame's decisions list. Only
// the first entry is applied — a raised interrupt resolves to exactly one
// interrupt.Decision regardless of how many action_requests it bundled.
type ClientDecision struct {
	Type         string        `json:"type"`
	EditedAction *EditedAction `json:"edited_action,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// EditedAction carries the replacement arguments for an "edit" decision.
type EditedAction struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ServerFrame is the wire shape of every server→client frame. Only the
// fields relevant to Type are populated. "mission_event" is this module's
// own addition, reusing C2's socket to forward mission progress alongside
// the conversation frame types.
type ServerFrame struct {
	Type          string         `json:"type"`
	Content       string         `json:"content,omitempty"`
	InterruptData *InterruptData `json:"interrupt_data,omitempty"`
	Message       string         `json:"message,omitempty"`
	Error         string         `json:"error,omitempty"`

	MissionEvent string `json:"mission_event,omitempty"`
	MissionID    string `json:"mission_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
}

// InterruptData is the payload of an "interrupt" server frame.
type InterruptData struct {
	ActionRequests   []ActionRequestWire `json:"action_requests"`
	AllowedDecisions []string            `json:"allowed_decisions"`
}

// ActionRequestWire is one entry of InterruptData.ActionRequests.
type ActionRequestWire struct {
	Name        string         `json:"name"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Description string         `json:"description,omitempty"`
}

func toInterruptData(in interrupt.Interrupt) *InterruptData {
	reqs := make([]ActionRequestWire, len(in.ActionRequests))
	for i, ar := range in.ActionRequests {
		reqs[i] = ActionRequestWire{Name: ar.Name, Arguments: ar.Arguments, Description: ar.Description}
	}
	allowed := make([]string, len(in.AllowedDecisions))
	for i, d := range in.AllowedDecisions {
		allowed[i] = string(d)
	}
	return &InterruptData{ActionRequests: reqs, AllowedDecisions: allowed}
}

// toDecision converts the first entry of a "decision" frame into the
// interrupt package's Decision type. Returns false if cf carries no decision
// at all (an empty Decisions list), which the caller treats as malformed.
func toDecision(cf ClientFrame) (interrupt.Decision, bool) {
	if len(cf.Decisions) == 0 {
		return interrupt.Decision{}, false
	}
	cd := cf.Decisions[0]
	d := interrupt.Decision{Type: interrupt.DecisionType(cd.Type), Message: cd.Message}
	if cd.EditedAction != nil {
		d.ReplacementArguments = cd.EditedAction.Args
	}
	return d, true
}
