// SPDX-License-Identifier: MIT

package ratelimit

import "testing"

func TestNilLimiterAllowsEverything(t *testing.T) {
	var o *Origin
	for i := 0; i < 100; i++ {
		if !o.Allow() {
			t.Fatal("nil limiter must allow")
		}
	}
}

func TestDisabledByRate(t *testing.T) {
	if NewOrigin(0, 10) != nil {
		t.Error("rate 0 should disable the limiter")
	}
	if NewOrigin(-1, 10) != nil {
		t.Error("negative rate should disable the limiter")
	}
}

func TestBurstExhaustion(t *testing.T) {
	o := NewOrigin(1, 3)

	allowed := 0
	for i := 0; i < 10; i++ {
		if o.Allow() {
			allowed++
		}
	}
	// The bucket starts full at burst size; sustained calls beyond it
	// are denied until tokens refill.
	if allowed != 3 {
		t.Errorf("allowed = %d, want 3", allowed)
	}
}

func TestDefaultBurst(t *testing.T) {
	o := NewOrigin(5, 0)
	if o == nil {
		t.Fatal("limiter should be enabled")
	}
	if !o.Allow() {
		t.Error("first call should pass with the default burst")
	}
}
