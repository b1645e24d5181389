package runner

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Check is a named predicate over a response. A failing check marks the
// iteration unsuccessful but never stops the loop.
type Check struct {
	Name string
	Fn   func(*Response) bool
}

// StatusIs passes when the status equals code.
func StatusIs(code int) Check {
	return Check{
		Name: fmt.Sprintf("is status %d", code),
		Fn:   func(r *Response) bool { return r.StatusCode == code },
	}
}

// StatusIn passes when the status is one of codes.
func StatusIn(codes ...int) Check {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = fmt.Sprint(c)
	}
	return Check{
		Name: "status in [" + strings.Join(parts, ",") + "]",
		Fn: func(r *Response) bool {
			for _, c := range codes {
				if r.StatusCode == c {
					return true
				}
			}
			return false
		},
	}
}

// Status2xx is the check used when none is configured.
func Status2xx() Check {
	return Check{
		Name: "status is 2xx",
		Fn:   func(r *Response) bool { return r.StatusCode >= 200 && r.StatusCode < 300 },
	}
}

func BodyContains(substr string) Check {
	needle := []byte(substr)
	return Check{
		Name: fmt.Sprintf("body contains %q", substr),
		Fn:   func(r *Response) bool { return bytes.Contains(r.Body, needle) },
	}
}

func HeaderPresent(name string) Check {
	return Check{
		Name: fmt.Sprintf("header %s present", name),
		Fn:   func(r *Response) bool { return r.Header.Get(name) != "" },
	}
}

// MaxDuration passes when the transport-measured duration is at most d.
func MaxDuration(d time.Duration) Check {
	return Check{
		Name: fmt.Sprintf("duration <= %s", d),
		Fn:   func(r *Response) bool { return r.Duration <= d },
	}
}

// Named returns c under a different name.
func (c Check) Named(name string) Check {
	if name != "" {
		c.Name = name
	}
	return c
}

// runChecks evaluates every check and returns the names of those that failed.
func runChecks(checks []Check, resp *Response) []string {
	var failed []string
	for _, c := range checks {
		if !c.Fn(resp) {
			failed = append(failed, c.Name)
		}
	}
	return failed
}
