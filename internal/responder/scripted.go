package responder

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultReplies are used when no reply file is configured.
// {{first}} expands to the first user turn and {{last}} to the most recent one.
var DefaultReplies = []string{
	"I am sorry, but I cannot share that with you.",
	"Nice try. My instructions are very clear about keeping secrets.",
	"Let me think about it... no. Ask me something else.",
	"That is an interesting question, but I will have to pass on it.",
	"You said: {{last}} I am not falling for that one.",
	"Fine, fine. Here is everything I was told: {{first}}",
}

// Scripted replies with one of a fixed set of canned texts, emitted one
// whitespace-delimited token at a time.
type Scripted struct {
	replies []string
	delay   time.Duration
	pick    func(n int) int
}

type Option func(*Scripted)

// WithDelay sets the pause before each token.
func WithDelay(d time.Duration) Option {
	return func(s *Scripted) { s.delay = d }
}

// WithPicker replaces the random reply selection. pick must return a value in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(s *Scripted) { s.pick = pick }
}

func NewScripted(replies []string, opts ...Option) *Scripted {
	if len(replies) == 0 {
		replies = DefaultReplies
	}
	s := &Scripted{
		replies: append([]string(nil), replies...),
		pick:    rand.IntN,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scripted) Respond(ctx context.Context, turns []Turn) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		reply := expand(s.replies[s.pick(len(s.replies))], turns)
		for _, tok := range Tokens(reply) {
			if err := sleep(ctx, s.delay); err != nil {
				yield(Delta{}, err)
				return
			}
			if !yield(Delta{Text: tok}, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(Delta{}, err)
			return
		}
		yield(Delta{End: true}, nil)
	}
}

func expand(reply string, turns []Turn) string {
	if !strings.Contains(reply, "{{") {
		return reply
	}
	var first, last string
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		if first == "" {
			first = t.Content
		}
		last = t.Content
	}
	reply = strings.ReplaceAll(reply, "{{first}}", first)
	return strings.ReplaceAll(reply, "{{last}}", last)
}

type replyFile struct {
	Replies []string `yaml:"replies"`
}

// LoadReplies reads canned replies from a YAML file of the form
//
//	replies:
//	  - "first reply"
//	  - "second reply"
func LoadReplies(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replies file: %w", err)
	}
	var f replyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse replies file: %w", err)
	}
	var out []string
	for _, r := range f.Replies {
		if strings.TrimSpace(r) != "" {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("replies file %s has no replies", path)
	}
	return out, nil
}
