// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package runner

import (
	"context"
	"strings"
	"sync"
)

// Recorder is a Runner which records every call and answers through Handler.
//
// A nil Handler makes every command succeed with empty output.
type Recorder struct {
	Handler func(Call) (string, error)

	mu    sync.Mutex
	calls []Call
}

// Run implements Runner.
func (r *Recorder) Run(ctx context.Context, name string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	call := Call{Name: name, Args: append([]string(nil), args...)}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if r.Handler == nil {
		return "", nil
	}

	return r.Handler(call)
}

// Calls returns the recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Call(nil), r.calls...)
}

// Lines returns the recorded calls as command lines.
func (r *Recorder) Lines() []string {
	calls := r.Calls()
	lines := make([]string, 0, len(calls))

	for _, c := range calls {
		lines = append(lines, c.String())
	}

	return lines
}

// Find returns the recorded calls of the named command whose command line contains every fragment.
func (r *Recorder) Find(name string, fragments ...string) []Call {
	var found []Call

outer:
	for _, c := range r.Calls() {
		if c.Name != name {
			continue
		}

		line := c.String()

		for _, f := range fragments {
			if !strings.Contains(line, f) {
				continue outer
			}
		}

		found = append(found, c)
	}

	return found
}
