package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestClosedAllowsCalls(t *testing.T) {
	r := NewRegistry(Config{Threshold: 2, ResetTimeout: time.Second})
	b := r.Get("anthropic")

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.State())
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	r := NewRegistry(Config{Threshold: 2, ResetTimeout: time.Minute})
	b := r.Get("anthropic")

	failing := func(ctx context.Context) error { return errs.New(errs.Transient, "upstream down") }
	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), failing)

	require.Equal(t, StateOpen, b.State())

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
	require.Equal(t, errs.BreakerOpen, errs.ClassOf(err))
}

func TestPermanentErrorsDoNotTripBreaker(t *testing.T) {
	r := NewRegistry(Config{Threshold: 2, ResetTimeout: time.Minute})
	b := r.Get("anthropic")

	badReq := func(ctx context.Context) error { return errs.New(errs.BadRequest, "bad input") }
	_ = b.Call(context.Background(), badReq)
	_ = b.Call(context.Background(), badReq)
	_ = b.Call(context.Background(), badReq)

	require.Equal(t, StateClosed, b.State())
}

func TestHalfOpenRecoversOnSuccess(t *testing.T) {
	r := NewRegistry(Config{Threshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 1})
	b := r.Get("gemini")

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errs.New(errs.Transient, "down") })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	r := NewRegistry(Config{Threshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 1})
	b := r.Get("gemini")

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errs.New(errs.Transient, "down") })
	time.Sleep(20 * time.Millisecond)

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errs.New(errs.Transient, "still down") })
	require.Equal(t, StateOpen, b.State())
}

func TestRegistryKeysAreIndependent(t *testing.T) {
	r := NewRegistry(Config{Threshold: 1, ResetTimeout: time.Minute})

	_ = r.Get("anthropic").Call(context.Background(), func(ctx context.Context) error {
		return errs.New(errs.Transient, "down")
	})

	require.Equal(t, StateOpen, r.Get("anthropic").State())
	require.Equal(t, StateClosed, r.Get("gemini").State())
}

func TestReset(t *testing.T) {
	r := NewRegistry(Config{Threshold: 1, ResetTimeout: time.Minute})
	b := r.Get("anthropic")
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errs.New(errs.Transient, "down") })
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	require.Equal(t, StateClosed, b.State())
}
