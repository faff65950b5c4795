// Package responder produces bot replies as a lazy sequence of text deltas.
//
// A reply is consumed with a range-over-func loop. Every successful reply ends
// with a Delta whose End field is set; a failed or cancelled reply ends with a
// non-nil error instead. Concatenating the Text of all deltas before the end
// marker reproduces the full reply byte for byte.
package responder

import (
	"context"
	"iter"
	"strings"
	"time"
	"unicode"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
)

// Turn is one entry of the conversation handed to a Responder.
type Turn struct {
	Role    Role
	Content string
}

// Delta is one increment of a reply.
type Delta struct {
	Text string
	End  bool
}

// Responder turns a conversation into a stream of deltas.
// Implementations keep no per-call state, so the returned sequence may be
// ranged over again to produce a fresh reply.
type Responder interface {
	Respond(ctx context.Context, turns []Turn) iter.Seq2[Delta, error]
}

// Collect drains a reply into one string.
func Collect(ctx context.Context, r Responder, turns []Turn) (string, error) {
	var b strings.Builder
	for d, err := range r.Respond(ctx, turns) {
		if err != nil {
			return b.String(), err
		}
		if d.End {
			break
		}
		b.WriteString(d.Text)
	}
	return b.String(), nil
}

// Tokens splits s into whitespace-delimited tokens. Each token keeps the
// whitespace that follows it.
func Tokens(s string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			out = append(out, s[start:i])
			start = i
			inSpace = false
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
