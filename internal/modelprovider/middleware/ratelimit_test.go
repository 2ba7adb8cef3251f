package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/modelprovider"
)

type stubClient struct {
	err   error
	calls int
}

func (s *stubClient) Complete(context.Context, *modelprovider.Request) (*modelprovider.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &modelprovider.Response{}, nil
}

func (s *stubClient) Stream(context.Context, *modelprovider.Request) (modelprovider.Streamer, error) {
	return nil, modelprovider.ErrStreamingUnsupported
}

func req() *modelprovider.Request {
	return &modelprovider.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}}}
}

func TestMiddlewareDelegatesToNext(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(600000, 600000)
	stub := &stubClient{}
	wrapped := limiter.Middleware()(stub)

	_, err := wrapped.Complete(context.Background(), req())
	require.NoError(t, err)
	require.Equal(t, 1, stub.calls)
}

func TestObserveBacksOffOnRateLimitedError(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	before := limiter.CurrentTPM()

	limiter.observe(errors.New("wrapped: " + modelprovider.ErrRateLimited.Error()))
	require.Equal(t, before, limiter.CurrentTPM(), "plain errors.New does not match via errors.Is")

	limiter.observe(modelprovider.ErrRateLimited)
	require.Less(t, limiter.CurrentTPM(), before)
}

func TestObserveProbesUpOnSuccessAfterBackoff(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	limiter.observe(modelprovider.ErrRateLimited)
	afterBackoff := limiter.CurrentTPM()

	limiter.observe(nil)
	require.Greater(t, limiter.CurrentTPM(), afterBackoff)
}

func TestBackoffNeverGoesBelowMinTPM(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(10, 10)
	for i := 0; i < 20; i++ {
		limiter.observe(modelprovider.ErrRateLimited)
	}
	require.GreaterOrEqual(t, limiter.CurrentTPM(), limiter.minTPM)
}

func TestProbeNeverExceedsMaxTPM(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1200)
	for i := 0; i < 50; i++ {
		limiter.observe(nil)
	}
	require.LessOrEqual(t, limiter.CurrentTPM(), 1200.0)
}

func TestMiddlewareWrapsNilAsNil(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	require.Nil(t, limiter.Middleware()(nil))
}

func TestOnBackoffCallbackFires(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	var fired float64
	limiter.OnBackoff(func(tpm float64) { fired = tpm })

	limiter.observe(modelprovider.ErrRateLimited)
	require.Equal(t, limiter.CurrentTPM(), fired)
}
