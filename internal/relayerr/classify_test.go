package relayerr

import "testing"

func TestClassifyUpstreamServerWideCapacity(t *testing.T) {
	err := ClassifyUpstream(429, "SERVER-CAPACITY-EXHAUSTED: try again later")
	if !IsServerWideCapacity(err) {
		t.Fatalf("expected server-wide capacity error, got %v (%T)", err, err)
	}
}

func TestClassifyUpstreamCapacityWithRetryAfter(t *testing.T) {
	err := ClassifyUpstream(429, "resource has been exhausted, reset after 30s")
	if !IsCapacity(err) {
		t.Fatalf("expected capacity error, got %v (%T)", err, err)
	}
	if got := RetryAfterMs(err); got != 31000 {
		t.Fatalf("expected 31000ms retry hint, got %d", got)
	}
}

func TestClassifyUpstreamAuthRefreshInvalid(t *testing.T) {
	err := ClassifyUpstream(401, "invalid_grant: refresh token is invalid")
	if !IsAuth(err) || !IsRefreshInvalid(err) {
		t.Fatalf("expected refresh-invalid auth error, got %v (%T)", err, err)
	}
	if IsRetryable(err) {
		t.Fatal("refresh-invalid auth errors must not be retryable")
	}
}

func TestClassifyUpstreamAuthRecoverable(t *testing.T) {
	err := ClassifyUpstream(401, "unauthenticated: token expired")
	if !IsAuth(err) || IsRefreshInvalid(err) {
		t.Fatalf("expected recoverable auth error, got %v (%T)", err, err)
	}
	if !IsRetryable(err) {
		t.Fatal("a plain expired-token auth error should still be retryable (forced refresh can fix it)")
	}
}

func TestClassifyUpstreamNonRetryable(t *testing.T) {
	err := ClassifyUpstream(400, "request blocked by safety filters")
	if Code(err) != "content_filter" {
		t.Fatalf("expected content_filter code, got %q", Code(err))
	}
	if IsRetryable(err) {
		t.Fatal("content filter errors must not be retryable")
	}
}

func TestClassifyUpstreamNetworkFallback(t *testing.T) {
	err := ClassifyUpstream(502, "bad gateway")
	if Code(err) != "network_error" {
		t.Fatalf("expected network_error code, got %q", Code(err))
	}
	if !IsRetryable(err) {
		t.Fatal("network errors should be retryable")
	}
}

func TestParseResetAfterSeconds(t *testing.T) {
	secs, ok := ParseResetAfterSeconds("please retry, reset after 12s")
	if !ok || secs != 12 {
		t.Fatalf("expected 12 seconds parsed, got %d (ok=%v)", secs, ok)
	}
	if _, ok := ParseResetAfterSeconds("no hint here"); ok {
		t.Fatal("expected no match without a reset-after hint")
	}
}

func TestIsRetryableCanceled(t *testing.T) {
	err := &CanceledError{}
	if IsRetryable(err) {
		t.Fatal("canceled errors must never be retried")
	}
}
