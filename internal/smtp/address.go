package smtp

import (
	"fmt"
	"strings"
)

// ReplyError is an error that is sent to the peer verbatim as a reply line.
// Its message always starts with the three digit code.
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func syntaxError(msg string) *ReplyError {
	return &ReplyError{Code: 555, Message: msg}
}

// ParseRecipientAddress extracts the address from the argument of MAIL FROM
// or RCPT TO, which must look like ":<user@host>".
func ParseRecipientAddress(text string) (string, error) {
	if len(text) < 5 {
		return "", syntaxError("Syntax error")
	}
	if text[0] != ':' {
		return "", syntaxError(fmt.Sprintf("Syntax error, expected (:) found: (%c)", text[0]))
	}

	bounds := strings.TrimSpace(text[1:])
	if len(bounds) < 2 || bounds[0] != '<' || bounds[len(bounds)-1] != '>' {
		return "", syntaxError("Syntax error expect email to be enclosed within (< >)")
	}
	return bounds[1 : len(bounds)-1], nil
}

// Domain returns the part after the last "@", or "" when there is none.
func Domain(address string) string {
	i := strings.LastIndexByte(address, '@')
	if i < 0 {
		return ""
	}
	return address[i+1:]
}
