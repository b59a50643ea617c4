package smtp

import "strings"

// Command identifies a recognised client command.
type Command int

const (
	CmdQuit Command = iota + 1
	CmdData
	CmdHelo
	CmdEhlo
	CmdStartTLS
	CmdRcptTo
	CmdMailFrom
)

// commandTable is matched in order against the start of the line.
var commandTable = []struct {
	verb string
	cmd  Command
}{
	{"QUIT", CmdQuit},
	{"DATA", CmdData},
	{"HELO", CmdHelo},
	{"EHLO", CmdEhlo},
	{"STARTTLS", CmdStartTLS},
	{"RCPT TO", CmdRcptTo},
	{"MAIL FROM", CmdMailFrom},
}

func (c Command) String() string {
	for _, e := range commandTable {
		if e.cmd == c {
			return e.verb
		}
	}
	return "UNKNOWN"
}

// CommandLine is a recognised command and the untouched remainder of the
// line that followed the verb.
type CommandLine struct {
	Command Command
	Rest    string
}

// ParseCommand matches line case-insensitively against the known verbs. The
// remainder keeps its original casing and whitespace.
func ParseCommand(line string) (CommandLine, bool) {
	for _, e := range commandTable {
		if len(line) >= len(e.verb) && strings.EqualFold(line[:len(e.verb)], e.verb) {
			return CommandLine{Command: e.cmd, Rest: line[len(e.verb):]}, true
		}
	}
	return CommandLine{}, false
}
