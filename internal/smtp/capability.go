package smtp

import "strings"

// Capabilities summarises a peer's EHLO or HELO reply.
type Capabilities struct {
	Name       string
	Greeting   string
	Extensions []string
	StartTLS   bool
}

// ParseCapabilities builds Capabilities from the text of each reply line.
// The first line carries the server name; every later line is an extension
// keyword with optional parameters.
func ParseCapabilities(lines []string) Capabilities {
	var caps Capabilities
	if len(lines) == 0 {
		return caps
	}

	name, greeting, _ := strings.Cut(strings.TrimSpace(lines[0]), " ")
	caps.Name = name
	caps.Greeting = greeting

	for _, line := range lines[1:] {
		keyword, _, _ := strings.Cut(strings.TrimSpace(line), " ")
		if keyword == "" {
			continue
		}
		keyword = strings.ToUpper(keyword)
		caps.Extensions = append(caps.Extensions, keyword)
		if keyword == "STARTTLS" {
			caps.StartTLS = true
		}
	}
	return caps
}

// Has reports whether the extension keyword was advertised.
func (c Capabilities) Has(keyword string) bool {
	keyword = strings.ToUpper(keyword)
	for _, ext := range c.Extensions {
		if ext == keyword {
			return true
		}
	}
	return false
}
