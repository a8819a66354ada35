package pregel

import (
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	cases := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid minimal", RetryPolicy{MaxAttempts: 1}, false},
		{"valid with delays", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}, false},
		{"zero attempts rejected", RetryPolicy{MaxAttempts: 0}, true},
		{"negative attempts rejected", RetryPolicy{MaxAttempts: -1}, true},
		{"max delay below base rejected", RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Second, MaxDelay: time.Second}, true},
		{"zero max delay means uncapped", RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Second}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestComputeBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := time.Second
	maxDelay := 10 * time.Second

	d0 := computeBackoff(0, base, maxDelay, rng)
	d1 := computeBackoff(1, base, maxDelay, rng)
	if d0 < base || d0 >= 2*base {
		t.Errorf("computeBackoff(0) = %v, want in [1s, 2s)", d0)
	}
	if d1 < 2*base || d1 >= 3*base {
		t.Errorf("computeBackoff(1) = %v, want in [2s, 3s)", d1)
	}

	capped := computeBackoff(10, base, maxDelay, rng)
	if capped < maxDelay || capped >= maxDelay+base {
		t.Errorf("computeBackoff(10) = %v, want capped to [maxDelay, maxDelay+base)", capped)
	}
}

func TestComputeBackoff_NilRNGStillProducesPositiveDelay(t *testing.T) {
	d := computeBackoff(0, 10*time.Millisecond, time.Second, nil)
	if d <= 0 {
		t.Errorf("computeBackoff with nil rng = %v, want positive", d)
	}
}

