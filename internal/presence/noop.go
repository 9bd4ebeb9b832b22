package presence

import (
	"context"
	"time"
)

type noop struct{}

// NewNoop returns the presence mirror used when Redis is not configured.
func NewNoop() Presence {
	return noop{}
}

func (noop) Touch(context.Context, string, string, string, time.Duration) error { return nil }
func (noop) Remove(context.Context, string, string) error                       { return nil }
func (noop) Members(context.Context, string) ([]Member, error)                  { return nil, nil }
func (noop) DisposeRoom(context.Context, string) error                          { return nil }
