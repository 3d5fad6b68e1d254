package sleep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sleep simulates work: it waits for Duration (or Default when the payload
// has none) and then fails with Fail if set. It honours cancellation.
type Sleep struct {
	Default time.Duration
}

type Params struct {
	Duration string `json:"duration"`
	Fail     string `json:"fail"`
}

func (s Sleep) Handle(ctx context.Context, payload json.RawMessage) error {
	var p Params
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid sleep payload: %w", err)
		}
	}
	d := s.Default
	if strings.TrimSpace(p.Duration) != "" {
		parsed, err := time.ParseDuration(p.Duration)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", p.Duration, err)
		}
		d = parsed
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.Fail != "" {
		return errors.New(p.Fail)
	}
	return nil
}
