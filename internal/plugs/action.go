package plugs

import "fmt"

// Action is a relay lifecycle action extensions can observe.
type Action int

const (
	ActionConnect Action = iota + 1
	ActionDisconnect
	ActionSub
	ActionUnsub
	ActionEOSE
	ActionEvent
	ActionNotice
	ActionError
)

var actionNames = map[Action]string{
	ActionConnect:    "connect",
	ActionDisconnect: "disconnect",
	ActionSub:        "sub",
	ActionUnsub:      "unsub",
	ActionEOSE:       "eose",
	ActionEvent:      "event",
	ActionNotice:     "notice",
	ActionError:      "error",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// Vetoable reports whether extensions may reject the action. Every other
// action is delivered fire-and-forget.
func (a Action) Vetoable() bool {
	return a == ActionConnect || a == ActionSub || a == ActionEvent
}

// ParseAction returns the action named s.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}
