package provider

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
)

type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Sleep 可在测试中替换，默认按 ctx 可取消地等待
	Sleep func(ctx context.Context, d time.Duration) error
}

type retrying struct {
	next   DecisionProvider
	policy RetryPolicy
}

// WithRetry 对可重试错误做指数退避加抖动的重试，耗尽后返回最后一次错误
func WithRetry(next DecisionProvider, policy RetryPolicy) DecisionProvider {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.Sleep == nil {
		policy.Sleep = sleepContext
	}
	return &retrying{next: next, policy: policy}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff 第 attempt 次重试前的等待时间：指数增长、封顶，再加 ±25% 抖动
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(min(attempt, 16))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if half := int64(delay / 2); half > 0 {
		delay = delay - delay/4 + time.Duration(rand.Int64N(half))
	}
	return delay
}

func (r *retrying) Decide(ctx context.Context, req Request) (*Decision, error) {
	var err error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		var d *Decision
		d, err = r.next.Decide(ctx, req)
		if err == nil {
			return d, nil
		}
		err = Classify(err)
		if !IsRetryable(err) || attempt == r.policy.MaxRetries {
			return nil, err
		}
		delay := r.policy.Backoff(attempt)
		logger.WarnF("[%s] Decision attempt %d failed, retry in %v: %v", req.SessionID, attempt+1, delay, err)
		if sleepErr := r.policy.Sleep(ctx, delay); sleepErr != nil {
			return nil, err
		}
	}
	return nil, err
}
