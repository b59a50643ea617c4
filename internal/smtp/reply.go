package smtp

import (
	"context"
	"fmt"
	"strconv"
)

// ReplyClass is the first digit band of a reply code.
type ReplyClass int

const (
	ClassSuccess ReplyClass = iota + 2
	ClassIntermediate
	ClassTransientFailure
	ClassPermanentFailure
)

func (c ReplyClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassIntermediate:
		return "intermediate"
	case ClassTransientFailure:
		return "transient-failure"
	case ClassPermanentFailure:
		return "permanent-failure"
	default:
		return "unknown"
	}
}

// Reply is one parsed reply line.
type Reply struct {
	Code  int
	Class ReplyClass
	Text  string
	// More is set for a "250-" continuation line.
	More bool
}

func (r Reply) String() string {
	sep := " "
	if r.More {
		sep = "-"
	}
	return strconv.Itoa(r.Code) + sep + r.Text
}

// Positive reports whether the reply is in the 2xx band.
func (r Reply) Positive() bool {
	return r.Class == ClassSuccess
}

// ParseError describes a line that is not a well formed reply or command.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed line %q: %s", e.Line, e.Reason)
}

// ParseReply parses a single reply line such as "250-STARTTLS".
func ParseReply(line string) (Reply, error) {
	if len(line) < 4 {
		return Reply{}, &ParseError{Line: line, Reason: "reply shorter than 4 characters"}
	}

	var more bool
	switch line[3] {
	case ' ':
	case '-':
		more = true
	default:
		return Reply{}, &ParseError{Line: line, Reason: "expected space or dash after code"}
	}

	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return Reply{}, &ParseError{Line: line, Reason: "reply code is not numeric"}
	}

	var class ReplyClass
	switch {
	case code >= 200 && code < 300:
		class = ClassSuccess
	case code >= 300 && code < 400:
		class = ClassIntermediate
	case code >= 400 && code < 500:
		class = ClassTransientFailure
	case code >= 500 && code < 600:
		class = ClassPermanentFailure
	default:
		return Reply{}, &ParseError{Line: line, Reason: fmt.Sprintf("reply code %d out of range", code)}
	}

	return Reply{Code: code, Class: class, Text: line[4:], More: more}, nil
}

// LineReader is the read half of a line stream.
type LineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

// ReadReply reads a complete, possibly multi-line, reply. It returns the final
// line and the text of every line in order. More than maxLines lines, or a
// code that changes between lines, is an error.
func ReadReply(ctx context.Context, r LineReader, maxLines int) (Reply, []string, error) {
	var texts []string
	var first Reply
	for i := 0; ; i++ {
		if maxLines > 0 && i >= maxLines {
			return Reply{}, texts, fmt.Errorf("reply exceeds %d lines", maxLines)
		}
		line, err := r.ReadLine(ctx)
		if err != nil {
			return Reply{}, texts, err
		}
		reply, err := ParseReply(line)
		if err != nil {
			return Reply{}, texts, err
		}
		if i == 0 {
			first = reply
		} else if reply.Code != first.Code {
			return Reply{}, texts, &ParseError{Line: line, Reason: fmt.Sprintf("code changed from %d within reply", first.Code)}
		}
		texts = append(texts, reply.Text)
		if !reply.More {
			return reply, texts, nil
		}
	}
}
