package delivery

// ActionKind is one step of an outbound transaction.
type ActionKind int

const (
	ActionQuit ActionKind = iota
	ActionData
	ActionRcptTo
	ActionMailFrom
)

func (k ActionKind) String() string {
	switch k {
	case ActionQuit:
		return "QUIT"
	case ActionData:
		return "DATA"
	case ActionRcptTo:
		return "RCPT TO"
	case ActionMailFrom:
		return "MAIL FROM"
	default:
		return "UNKNOWN"
	}
}

// Action is a step with its argument: an address for MAIL FROM and RCPT TO,
// the body for DATA.
type Action struct {
	Kind ActionKind
	Arg  string
}

// BuildActions lays out a transaction to be consumed from the end:
// [Quit, Data, RcptTo(rN) ... RcptTo(r1), MailFrom]. Popping yields MAIL FROM,
// then the recipients in their given order, then DATA and QUIT.
func BuildActions(from string, to []string, body string) []Action {
	actions := make([]Action, 0, len(to)+3)
	actions = append(actions, Action{Kind: ActionQuit}, Action{Kind: ActionData, Arg: body})
	for i := len(to) - 1; i >= 0; i-- {
		actions = append(actions, Action{Kind: ActionRcptTo, Arg: to[i]})
	}
	return append(actions, Action{Kind: ActionMailFrom, Arg: from})
}

// cursor walks an action list from the end without modifying it, so the same
// list serves every attempt.
type cursor struct {
	actions []Action
	next    int
}

func newCursor(actions []Action) *cursor {
	return &cursor{actions: actions, next: len(actions)}
}

func (c *cursor) pop() (Action, bool) {
	if c.next == 0 {
		return Action{}, false
	}
	c.next--
	return c.actions[c.next], true
}
