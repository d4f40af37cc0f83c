package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/pkg/resilience"
)

type scripted struct {
	errs  []error
	calls int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Generate(context.Context, *Request) (*Response, error) {
	defer func() { s.calls++ }()
	if s.calls < len(s.errs) && s.errs[s.calls] != nil {
		return nil, s.errs[s.calls]
	}
	return &Response{Content: "ok"}, nil
}

func fakeSleep(t *testing.T, got *[]time.Duration) func() {
	t.Helper()
	orig := sleep
	sleep = func(_ context.Context, d time.Duration) error {
		*got = append(*got, d)
		return nil
	}
	return func() { sleep = orig }
}

func TestRetryDelaysByClass(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	tt := []struct {
		Name string
		Err  error
		Want []time.Duration
	}{
		{
			Name: "RateLimit",
			Err:  &salve.Error{Kind: salve.ErrRateLimit},
			Want: []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
		},
		{
			Name: "Timeout",
			Err:  &salve.Error{Kind: salve.ErrTimeout},
			Want: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			Name: "Generic",
			Err:  errors.New("model overloaded"),
			Want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			var slept []time.Duration
			defer fakeSleep(t, &slept)()
			c := &scripted{errs: []error{tc.Err, tc.Err, tc.Err}}

			res, err := GenerateWithRetry(ctx, c, &Request{}, 3)
			if err != nil {
				t.Fatal(err)
			}
			if res.Content != "ok" {
				t.Errorf("got %q", res.Content)
			}
			if len(slept) != len(tc.Want) {
				t.Fatalf("slept %v", slept)
			}
			for i := range tc.Want {
				if slept[i] != tc.Want[i] {
					t.Errorf("delay %d: got %v, want %v", i, slept[i], tc.Want[i])
				}
			}
		})
	}
}

func TestNoRetryOnAuthentication(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var slept []time.Duration
	defer fakeSleep(t, &slept)()
	authErr := &salve.Error{Kind: salve.ErrAuthentication, Message: "bad key"}
	c := &scripted{errs: []error{authErr}}

	_, err := GenerateWithRetry(ctx, c, &Request{}, 3)
	if !salve.IsKind(err, salve.ErrAuthentication) {
		t.Fatalf("got %v", err)
	}
	if c.calls != 1 {
		t.Errorf("made %d calls, want 1", c.calls)
	}
	if len(slept) != 0 {
		t.Errorf("slept %v for a non-retryable error", slept)
	}
}

func TestExhaustion(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var slept []time.Duration
	defer fakeSleep(t, &slept)()
	tErr := &salve.Error{Kind: salve.ErrTimeout}
	c := &scripted{errs: []error{tErr, tErr, tErr, tErr, tErr}}

	_, err := GenerateWithRetry(ctx, c, &Request{}, 2)
	var mre *resilience.MaxRetriesExceeded
	if !errors.As(err, &mre) {
		t.Fatalf("got %v", err)
	}
	if mre.Attempts != 3 {
		t.Errorf("recorded %d attempts, want 3", mre.Attempts)
	}
	if !salve.IsKind(mre.Last, salve.ErrTimeout) {
		t.Errorf("last error lost: %v", mre.Last)
	}
	if c.calls != 3 {
		t.Errorf("made %d calls, want 3", c.calls)
	}
}

func TestCancellationBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(zlog.Test(context.Background(), t))
	orig := sleep
	sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return context.Cause(ctx)
	}
	defer func() { sleep = orig }()
	c := &scripted{errs: []error{errors.New("transient"), nil}}

	_, err := GenerateWithRetry(ctx, c, &Request{}, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if c.calls != 1 {
		t.Errorf("made %d calls after cancellation, want 1", c.calls)
	}
}

func TestRegistry(t *testing.T) {
	Register("test-provider", func(_ context.Context, cfg Config) (Client, error) {
		return &scripted{}, nil
	})
	c, err := New(context.Background(), "test-provider", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Name() != "scripted" {
		t.Errorf("got %q", c.Name())
	}
	if _, err := New(context.Background(), "no-such", Config{}); err == nil {
		t.Error("unknown provider did not error")
	}
}
