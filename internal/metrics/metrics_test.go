package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Store.SteamPowered.com/app/1", "store.steampowered.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if resolutionsTotal == nil || replicaWritesTotal == nil || httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveResolution("auto_link")
	if val := testutil.ToFloat64(resolutionsTotal.WithLabelValues("auto_link")); val < 1 {
		t.Errorf("expected resolutions counter to be incremented, got %f", val)
	}
	ObserveRetry("epic", "timeout")
	if val := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("epic", "timeout")); val < 1 {
		t.Errorf("expected retry counter to be incremented, got %f", val)
	}

	before := testutil.ToFloat64(replicaWritesTotal.WithLabelValues("observe-test", "error"))
	ObserveReplicaWrite("observe-test", errors.New("offline"))
	ObserveReplicaWrite("observe-test", nil)
	if val := testutil.ToFloat64(replicaWritesTotal.WithLabelValues("observe-test", "error")); val != before+1 {
		t.Errorf("expected one replica error, got %f", val-before)
	}
	if val := testutil.ToFloat64(replicaWritesTotal.WithLabelValues("observe-test", "ok")); val < 1 {
		t.Errorf("expected replica ok counter, got %f", val)
	}

	ObserveRobotsFallback("https://Media.Example.com/robots.txt")
	if val := testutil.ToFloat64(robotsFallbackTotal.WithLabelValues("media.example.com")); val < 1 {
		t.Errorf("expected robots fallback counter, got %f", val)
	}

	IncActiveWorkers()
	DecActiveWorkers()
	ObserveRateLimitDelay("store.steampowered.com", 250*time.Millisecond)
	if got := testutil.CollectAndCount(rateLimitDelaysSeconds); got < 1 {
		t.Errorf("expected rate limit histogram to be observed, got %d", got)
	}
	ObserveProgressDropped("ITEM_DONE")
	if val := testutil.ToFloat64(progressDroppedTotal.WithLabelValues("ITEM_DONE")); val < 1 {
		t.Errorf("expected progress drop counter, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://store.epicgames.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
