package types

import (
	"net/url"
	"sort"
	"strings"
)

// Channel is one entry of the remote channel list.
type Channel struct {
	ID    string `json:"id"`    // Upstream channel identifier taken from the list's ?id= parameter
	Name  string `json:"name"`  // Display name
	Group string `json:"group"` // Group heading the channel appeared under
}

// RequestContext holds the recognized query parameters of a proxy request.
// Every field defaults to the empty string.
type RequestContext struct {
	Target   string // Absolute upstream URL to forward ("target", or legacy "a")
	Token    string // Access token for the channel gateway
	Proxy    string // Optional socks5:// selector
	Playseek string // Raw time-shift expression, forwarded unnormalized
	Start    string // Program-guide start, takes priority over Playseek with End
	End      string // Program-guide end
	ID       string // Channel id for the gateway
	Segment  string // Gateway segment reference ("ts")
	Action   string // Administrative action, e.g. clear_cache
	Key      string // Key authorizing Action
}

// recognizedKeys maps query keys onto RequestContext fields.
var recognizedKeys = map[string]func(*RequestContext) *string{
	"target":   func(rc *RequestContext) *string { return &rc.Target },
	"a":        func(rc *RequestContext) *string { return &rc.Target },
	"token":    func(rc *RequestContext) *string { return &rc.Token },
	"proxy":    func(rc *RequestContext) *string { return &rc.Proxy },
	"playseek": func(rc *RequestContext) *string { return &rc.Playseek },
	"start":    func(rc *RequestContext) *string { return &rc.Start },
	"end":      func(rc *RequestContext) *string { return &rc.End },
	"id":       func(rc *RequestContext) *string { return &rc.ID },
	"ts":       func(rc *RequestContext) *string { return &rc.Segment },
	"action":   func(rc *RequestContext) *string { return &rc.Action },
	"key":      func(rc *RequestContext) *string { return &rc.Key },
}

// ParseRequestContext fills a RequestContext from query values, trimming
// whitespace and taking the first value of each key. "target" wins over
// "a" when both are present. Unrecognized keys are returned sorted so the
// caller can log them; they never influence the request.
func ParseRequestContext(q url.Values) (RequestContext, []string) {
	var rc RequestContext
	var ignored []string

	for key, values := range q {
		field, ok := recognizedKeys[key]
		if !ok {
			ignored = append(ignored, key)
			continue
		}
		if len(values) > 0 {
			*field(&rc) = strings.TrimSpace(values[0])
		}
	}

	if target := strings.TrimSpace(q.Get("target")); target != "" {
		rc.Target = target
	} else {
		rc.Target = strings.TrimSpace(q.Get("a"))
	}

	sort.Strings(ignored)
	return rc, ignored
}

// HasProgramRange reports whether both guide bounds are present.
func (rc RequestContext) HasProgramRange() bool {
	return rc.Start != "" && rc.End != ""
}
