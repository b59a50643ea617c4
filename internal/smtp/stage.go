package smtp

// Stage is the position of a session within one mail transaction. The
// concrete types are StageConnect, StageHelo, StageMailFrom and StageRcptTo.
type Stage interface {
	stage()
	String() string
}

type StageConnect struct{}

type StageHelo struct{}

type StageMailFrom struct {
	Sender string
}

type StageRcptTo struct {
	Sender     string
	Recipients []string
}

func (StageConnect) stage()  {}
func (StageHelo) stage()     {}
func (StageMailFrom) stage() {}
func (StageRcptTo) stage()   {}

func (StageConnect) String() string  { return "connect" }
func (StageHelo) String() string     { return "helo" }
func (StageMailFrom) String() string { return "mail-from" }
func (StageRcptTo) String() string   { return "rcpt-to" }
