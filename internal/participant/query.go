package participant

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// QueryOptions bound a single structured query.
type QueryOptions struct {
	Timeout time.Duration
	Retries int
}

const strictFormatNote = "\n\nYour previous reply could not be parsed. " +
	"Respond with a single JSON object only, no surrounding prose. " +
	`Allowed keys: "focus", "vote" ("yes"|"no"|"abstain"), "continue_mission", "objective_achieved", "rationale".`

// Query asks a participant and parses the reply, retrying a bounded number of
// times with a stricter formatting instruction when the reply is malformed.
// The accumulated cost of every attempt is returned even on failure; spent
// is spent. Timeouts and transport errors are returned to the caller, which
// substitutes the documented default (abstain or no).
func Query(ctx context.Context, p Participant, prompt string, opts QueryOptions) (Response, float64, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	var total float64
	attemptPrompt := prompt
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		raw, cost, err := p.Ask(callCtx, attemptPrompt)
		cancel()
		total += cost
		if err != nil {
			return Response{}, total, fmt.Errorf("ask %s: %w", p.Name(), err)
		}
		resp, perr := Parse(raw)
		if perr == nil {
			return resp, total, nil
		}
		if !errors.Is(perr, ErrUnparseable) || attempt >= opts.Retries {
			return Response{}, total, fmt.Errorf("ask %s: %w", p.Name(), perr)
		}
		attemptPrompt = prompt + strictFormatNote
	}
}
