package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"storyboard-pipeline/provider"
)

// instantTimer makes backoff waits fire immediately so retry tests run fast.
type instantTimer struct {
	ch chan time.Time
}

func (t *instantTimer) Start(time.Duration) {
	t.ch = make(chan time.Time, 1)
	t.ch <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.ch }

func testPolicy() *Policy { return &Policy{timer: &instantTimer{}} }

type fakeLanguage struct {
	reply    string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeLanguage) Complete(_ context.Context, prompt string, _ provider.CompleteOptions) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func (f *fakeLanguage) SupportsVision() bool { return false }

type fakeImage struct {
	errs  []error
	data  []byte
	calls int
}

func (f *fakeImage) Generate(_ context.Context, _ [][]byte, _ string) ([]byte, error) {
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	return f.data, nil
}

func TestRateLimitedCallAttemptedExactlyTwice(t *testing.T) {
	attempts := 0
	err := testPolicy().Do(context.Background(), func() error {
		attempts++
		return &provider.RateLimitedError{Status: 429, Detail: "quota"}
	})
	if err == nil {
		t.Fatal("expected error to surface after the retry")
	}
	if attempts != 2 {
		t.Errorf("got %d attempts, want 2 (initial + one retry)", attempts)
	}
}

func TestNonRetryableErrorSurfacesImmediately(t *testing.T) {
	attempts := 0
	boom := errors.New("malformed response")
	err := testPolicy().Do(context.Background(), func() error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want original error", err)
	}
	if attempts != 1 {
		t.Errorf("got %d attempts, want 1", attempts)
	}
}

func TestSafetyRewriteBound(t *testing.T) {
	blocked := &provider.BlockedBySafetyError{Reason: "violence"}
	img := &fakeImage{errs: []error{blocked, blocked, blocked}}
	lang := &fakeLanguage{reply: "a calm rewritten prompt"}

	_, finalPrompt, err := testPolicy().GenerateImage(context.Background(), lang, img, nil, "original prompt")

	var b *provider.BlockedBySafetyError
	if !errors.As(err, &b) {
		t.Fatalf("got %v, want the original safety block", err)
	}
	if lang.calls != 1 {
		t.Errorf("got %d rewrite calls, want exactly 1", lang.calls)
	}
	if img.calls != 2 {
		t.Errorf("got %d generation attempts, want exactly 2", img.calls)
	}
	if finalPrompt != "a calm rewritten prompt" {
		t.Errorf("stored prompt = %q, want the rewritten text even after failure", finalPrompt)
	}
}

func TestSafetyRewriteSuccessKeepsRewrittenPrompt(t *testing.T) {
	img := &fakeImage{
		errs: []error{&provider.BlockedBySafetyError{Reason: "weapons"}},
		data: []byte("pixels"),
	}
	lang := &fakeLanguage{reply: "sanitized prompt"}

	data, finalPrompt, err := testPolicy().GenerateImage(context.Background(), lang, img, nil, "original")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if string(data) != "pixels" {
		t.Errorf("unexpected image data %q", data)
	}
	if finalPrompt != "sanitized prompt" {
		t.Errorf("stored prompt = %q, want rewritten text", finalPrompt)
	}
}

func TestRewriteFailureSurfacesOriginalBlock(t *testing.T) {
	blocked := &provider.BlockedBySafetyError{Reason: "gore"}
	img := &fakeImage{errs: []error{blocked}}
	lang := &fakeLanguage{err: errors.New("rewrite backend down")}

	_, finalPrompt, err := testPolicy().GenerateImage(context.Background(), lang, img, nil, "original")

	var b *provider.BlockedBySafetyError
	if !errors.As(err, &b) {
		t.Fatalf("got %v, want the original safety block", err)
	}
	if img.calls != 1 {
		t.Errorf("got %d generation attempts, want 1 (no retry without a rewrite)", img.calls)
	}
	if finalPrompt != "original" {
		t.Errorf("stored prompt = %q, want original when rewrite failed", finalPrompt)
	}
}

func TestNonSafetyErrorSkipsRewrite(t *testing.T) {
	img := &fakeImage{errs: []error{&provider.EmptyResponseError{Reason: "nothing"}}}
	lang := &fakeLanguage{reply: "unused"}

	_, _, err := testPolicy().GenerateImage(context.Background(), lang, img, nil, "p")
	var empty *provider.EmptyResponseError
	if !errors.As(err, &empty) {
		t.Fatalf("got %v, want EmptyResponseError", err)
	}
	if lang.calls != 0 {
		t.Errorf("rewrite attempted for a non-safety failure")
	}
}

func TestPacerCooldownAfterNinthAndEighteenthCall(t *testing.T) {
	var sleepAt []int
	var p *Pacer
	p = &Pacer{sleep: func(time.Duration) { sleepAt = append(sleepAt, p.count) }}

	for i := 0; i < 20; i++ {
		p.Tick()
	}

	if len(sleepAt) != 2 || sleepAt[0] != 9 || sleepAt[1] != 18 {
		t.Errorf("cooldowns at %v, want exactly after calls 9 and 18", sleepAt)
	}
}
