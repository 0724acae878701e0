package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/database"
)

// FenceToken is the identity of the latest message when the fence was
// captured. The zero token stands for an empty conversation.
type FenceToken struct {
	At time.Time
}

// Fence detects that a conversation moved on while a reply was prepared.
// Tokens are compared for equality, never ordering: the provider does not
// deliver messages in order.
type Fence struct {
	store    database.ConversationStore
	min, max time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(n int64) int64
}

// NewFence creates a Fence debouncing for a random duration in [min, max].
func NewFence(store database.ConversationStore, min, max time.Duration) *Fence {
	return &Fence{
		store:  store,
		min:    min,
		max:    max,
		sleep:  sleepCtx,
		jitter: rand.Int64N,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Capture reads the current fence token.
func (f *Fence) Capture(ctx context.Context, ref conversation.Ref) (FenceToken, error) {
	latest, err := f.store.LatestMessages(ctx, ref, 1)
	if err != nil {
		return FenceToken{}, fmt.Errorf("capture fence: %w", err)
	}
	if len(latest) == 0 {
		return FenceToken{}, nil
	}
	return FenceToken{At: latest[0].DateAdded}, nil
}

// Debounce waits a random duration within the configured bounds.
func (f *Fence) Debounce(ctx context.Context) error {
	d := f.min
	if span := f.max - f.min; span > 0 {
		d += time.Duration(f.jitter(int64(span) + 1))
	}
	return f.sleep(ctx, d)
}

// Check returns lead.ErrSuperseded unless the latest message is still the
// one captured in tok. Messages the caller wrote itself (own) are skipped.
func (f *Fence) Check(ctx context.Context, ref conversation.Ref, tok FenceToken, own ...time.Time) error {
	latest, err := f.store.LatestMessages(ctx, ref, len(own)+1)
	if err != nil {
		return fmt.Errorf("check fence: %w", err)
	}
	var current FenceToken
	for i := len(latest) - 1; i >= 0; i-- {
		at := latest[i].DateAdded
		if slices.ContainsFunc(own, at.Equal) {
			continue
		}
		current = FenceToken{At: at}
		break
	}
	if !current.At.Equal(tok.At) {
		return lead.ErrSuperseded
	}
	return nil
}
