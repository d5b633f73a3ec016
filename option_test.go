package relay

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestNewOptions(t *testing.T) {
	t.Run("returns defaults without options", func(t *testing.T) {
		opts := newOptions()

		if opts.maxSubjectLength != DefaultMaxSubjectLength {
			t.Errorf("expected maxSubjectLength %v, got %v", DefaultMaxSubjectLength, opts.maxSubjectLength)
		}
		if opts.maxBodySize != DefaultMaxBodySize {
			t.Errorf("expected maxBodySize %v, got %v", DefaultMaxBodySize, opts.maxBodySize)
		}
		if opts.maxRawSize != DefaultMaxRawSize {
			t.Errorf("expected maxRawSize %v, got %v", DefaultMaxRawSize, opts.maxRawSize)
		}
		if opts.archiveThreshold != DefaultArchiveThreshold {
			t.Errorf("expected archiveThreshold %v, got %v", DefaultArchiveThreshold, opts.archiveThreshold)
		}
		if opts.maxQueryLimit != DefaultMaxQueryLimit {
			t.Errorf("expected maxQueryLimit %v, got %v", DefaultMaxQueryLimit, opts.maxQueryLimit)
		}
		if opts.defaultQueryLimit != DefaultQueryLimit {
			t.Errorf("expected defaultQueryLimit %v, got %v", DefaultQueryLimit, opts.defaultQueryLimit)
		}
		if opts.maxConcurrentSends != DefaultMaxConcurrentSends {
			t.Errorf("expected maxConcurrentSends %v, got %v", DefaultMaxConcurrentSends, opts.maxConcurrentSends)
		}
		if opts.parser == nil {
			t.Error("expected default parser")
		}
		if opts.onEventPublishFailure == nil {
			t.Error("expected default event failure handler")
		}
	})

	t.Run("default query limit is capped by max", func(t *testing.T) {
		opts := newOptions(WithMaxQueryLimit(10), WithDefaultQueryLimit(20))
		if opts.defaultQueryLimit != 10 {
			t.Errorf("expected defaultQueryLimit 10, got %d", opts.defaultQueryLimit)
		}
	})
}

func TestWithLogger(t *testing.T) {
	t.Run("sets custom logger", func(t *testing.T) {
		customLogger := slog.Default()
		opts := newOptions(WithLogger(customLogger))
		if opts.logger != customLogger {
			t.Error("expected custom logger to be set")
		}
	})

	t.Run("ignores nil logger", func(t *testing.T) {
		opts := newOptions(WithLogger(nil))
		if opts.logger == nil {
			t.Error("expected logger to remain set")
		}
	})
}

func TestWithOTel(t *testing.T) {
	opts := newOptions(WithOTel(true))
	if !opts.tracingEnabled || !opts.metricsEnabled {
		t.Error("expected tracing and metrics enabled")
	}
	opts = newOptions(WithOTel(true), WithMetrics(false))
	if !opts.tracingEnabled || opts.metricsEnabled {
		t.Error("expected only tracing enabled")
	}
	opts = newOptions(WithServiceName(""))
	if opts.serviceName != "" {
		t.Errorf("expected empty service name to be ignored, got %q", opts.serviceName)
	}
}

func TestMessageLimitOptions(t *testing.T) {
	opts := newOptions(
		WithMaxSubjectLength(100),
		WithMaxBodySize(1024),
		WithMaxRawSize(2048),
		WithMaxBodySize(-1),
	)
	limits := opts.limits()
	if limits.MaxSubjectLength != 100 {
		t.Errorf("expected MaxSubjectLength 100, got %d", limits.MaxSubjectLength)
	}
	if limits.MaxBodySize != 1024 {
		t.Errorf("expected MaxBodySize 1024, got %d", limits.MaxBodySize)
	}
	if opts.maxRawSize != 2048 {
		t.Errorf("expected maxRawSize 2048, got %d", opts.maxRawSize)
	}
	if limits.MaxHeaders != DefaultMaxHeaders {
		t.Errorf("expected MaxHeaders %d, got %d", DefaultMaxHeaders, limits.MaxHeaders)
	}
}

func TestWithShutdownTimeout(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"accepts valid timeout", 5 * time.Second, 5 * time.Second},
		{"ignores timeout below minimum", 100 * time.Millisecond, DefaultShutdownTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := newOptions(WithShutdownTimeout(tt.in))
			if opts.shutdownTimeout != tt.want {
				t.Errorf("expected %v, got %v", tt.want, opts.shutdownTimeout)
			}
		})
	}
}

func TestWithArchiveThreshold(t *testing.T) {
	opts := newOptions(WithArchive(nil, 0))
	if opts.archiveThreshold != DefaultArchiveThreshold {
		t.Errorf("expected default threshold, got %d", opts.archiveThreshold)
	}
	opts = newOptions(WithArchive(nil, 64))
	if opts.archiveThreshold != 64 {
		t.Errorf("expected threshold 64, got %d", opts.archiveThreshold)
	}
}

func TestSafeEventPublishFailure(t *testing.T) {
	t.Run("recovers from panicking handler", func(t *testing.T) {
		opts := newOptions(WithEventPublishFailureHandler(func(string, string, error) {
			panic("boom")
		}))
		opts.safeEventPublishFailure("bus", "message.sent", errors.New("down"))
	})

	t.Run("passes target and type", func(t *testing.T) {
		var gotTarget, gotType string
		opts := newOptions(WithEventPublishFailureHandler(func(target, eventType string, err error) {
			gotTarget, gotType = target, eventType
		}))
		opts.safeEventPublishFailure("sink-0", "message.failed", errors.New("down"))
		if gotTarget != "sink-0" || gotType != "message.failed" {
			t.Errorf("got %q %q", gotTarget, gotType)
		}
	})
}
