// Package retry implements the recovery policy around unreliable generative
// backends: a single fixed-cooldown retry on throttling, a one-shot content
// policy rewrite when image generation is blocked, and the batch pacing that
// keeps sequential provider calls under per-minute quota ceilings.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"storyboard-pipeline/provider"
)

const (
	// rateLimitCooldown is the fixed wait before the single retry of a
	// throttled call. Not configurable per call site.
	rateLimitCooldown = time.Minute

	// batchWindow is the number of consecutive provider calls allowed before
	// a pacing cooldown is inserted.
	batchWindow = 9

	// batchCooldown is the pause inserted after every batchWindow calls.
	batchCooldown = time.Minute
)

// Policy wraps Language and Image calls used for shot content.
type Policy struct {
	// timer overrides backoff's wait timer in tests; nil uses real time.
	timer backoff.Timer
}

// New returns the production policy.
func New() *Policy { return &Policy{} }

// Do runs op, retrying exactly once after the fixed cooldown if it was rate
// limited. Any other failure surfaces immediately.
func (p *Policy) Do(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if provider.IsRateLimited(err) {
			logrus.Warnf("[retry] rate limited, waiting %s before one retry: %v", rateLimitCooldown, err)
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(rateLimitCooldown), 1), ctx)
	return backoff.RetryNotifyWithTimer(wrapped, b, nil, p.timer)
}

// Complete is a Language call under the rate-limit policy.
func (p *Policy) Complete(ctx context.Context, lang provider.Language, prompt string, opts provider.CompleteOptions) (string, error) {
	var out string
	err := p.Do(ctx, func() error {
		var callErr error
		out, callErr = lang.Complete(ctx, prompt, opts)
		return callErr
	})
	return out, err
}

// GenerateImage is an Image call under the full policy: rate-limit retry plus
// the one-shot safety rewrite. The returned prompt is the one that should be
// stored on the shot — when a rewrite happened it is the rewritten text even
// if the second attempt failed.
func (p *Policy) GenerateImage(ctx context.Context, lang provider.Language, img provider.Image, refs [][]byte, prompt string) ([]byte, string, error) {
	data, err := p.generate(ctx, img, refs, prompt)
	if err == nil {
		return data, prompt, nil
	}

	var blocked *provider.BlockedBySafetyError
	if !errors.As(err, &blocked) {
		return nil, prompt, err
	}

	logrus.Warnf("[retry] image blocked by safety policy (%s), attempting prompt rewrite", blocked.Reason)
	rewritten, rwErr := p.rewritePrompt(ctx, lang, prompt, blocked.Reason)
	if rwErr != nil {
		logrus.Warnf("[retry] prompt rewrite failed: %v", rwErr)
		return nil, prompt, err
	}

	data, retryErr := p.generate(ctx, img, refs, rewritten)
	if retryErr != nil {
		// Surface the original block; the rewritten prompt is still kept.
		return nil, rewritten, err
	}
	return data, rewritten, nil
}

func (p *Policy) generate(ctx context.Context, img provider.Image, refs [][]byte, prompt string) ([]byte, error) {
	var data []byte
	err := p.Do(ctx, func() error {
		var callErr error
		data, callErr = img.Generate(ctx, refs, prompt)
		return callErr
	})
	return data, err
}

func (p *Policy) rewritePrompt(ctx context.Context, lang provider.Language, prompt, reason string) (string, error) {
	instruction := fmt.Sprintf(
		"The following image generation prompt was rejected by a content policy filter (reason: %s).\n"+
			"Rewrite it so it complies with typical content policies while preserving the scene's "+
			"intent, composition and mood as closely as possible. Reply with the rewritten prompt "+
			"only, no commentary.\n\nPrompt:\n%s",
		reason, prompt)

	rewritten, err := p.Complete(ctx, lang, instruction, provider.CompleteOptions{})
	if err != nil {
		return "", err
	}
	if rewritten == "" {
		return "", &provider.EmptyResponseError{Reason: "rewrite produced no text"}
	}
	return rewritten, nil
}

// Pacer inserts the batch cooldown after every batchWindow consecutive
// provider calls. The count is global across one sequential loop, independent
// of per-call retry cooldowns.
type Pacer struct {
	count int
	sleep func(time.Duration)
}

// NewPacer returns a real-time pacer.
func NewPacer() *Pacer { return &Pacer{sleep: time.Sleep} }

// Tick records one completed provider call and pauses when the window fills.
func (p *Pacer) Tick() {
	p.count++
	if p.count%batchWindow == 0 {
		logrus.Infof("[retry] %d provider calls issued, cooling down %s", p.count, batchCooldown)
		p.sleep(batchCooldown)
	}
}
