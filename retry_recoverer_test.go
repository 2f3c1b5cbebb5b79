package selfheal_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
)

// countingRecoverer fails until it has been called succeedOn times.
type countingRecoverer struct {
	callCount atomic.Int32
	succeedOn int32
	err       error
}

func (r *countingRecoverer) Recover(ctx context.Context, h selfheal.ServiceHealth) (bool, error) {
	n := r.callCount.Add(1)
	if r.succeedOn > 0 && n >= r.succeedOn {
		return true, nil
	}
	return false, r.err
}

func (r *countingRecoverer) getCallCount() int {
	return int(r.callCount.Load())
}

var _ = Describe("RetryRecoverer", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		health selfheal.ServiceHealth
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		health = selfheal.ServiceHealth{Name: "db", Status: selfheal.StatusFailed}
	})

	AfterEach(func() {
		cancel()
	})

	newRetry := func(next selfheal.Recoverer, opts ...selfheal.RetryOption) *selfheal.RetryRecoverer {
		opts = append([]selfheal.RetryOption{
			selfheal.WithConstantBackoff(time.Millisecond),
			selfheal.WithRetryLogger(quietLogger()),
		}, opts...)
		return selfheal.NewRetryRecoverer(next, opts...)
	}

	It("succeeds on the first call without retrying", func() {
		next := &countingRecoverer{succeedOn: 1}
		r := newRetry(next)

		ok, err := r.Recover(ctx, health)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(next.getCallCount()).To(Equal(1))

		stats := r.Stats()
		Expect(stats.TotalCalls).To(Equal(int64(1)))
		Expect(stats.TotalRetries).To(BeZero())
		Expect(stats.TotalSuccesses).To(Equal(int64(1)))
	})

	It("retries retryable errors until success", func() {
		next := &countingRecoverer{
			succeedOn: 3,
			err:       selfheal.NewStatusCodeError(503, errors.New("supervisor busy")),
		}
		r := newRetry(next, selfheal.WithMaxAttempts(5))

		ok, err := r.Recover(ctx, health)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(next.getCallCount()).To(Equal(3))
		Expect(r.Stats().TotalRetries).To(Equal(int64(2)))
	})

	It("gives up after MaxAttempts", func() {
		next := &countingRecoverer{err: errors.New("still down")}
		r := newRetry(next, selfheal.WithMaxAttempts(3))

		ok, err := r.Recover(ctx, health)
		Expect(err).To(MatchError(ContainSubstring("still down")))
		Expect(ok).To(BeFalse())
		Expect(next.getCallCount()).To(Equal(3))
		Expect(r.Stats().TotalFailures).To(Equal(int64(1)))
	})

	It("does not retry permanent errors", func() {
		next := &countingRecoverer{err: fmt.Errorf("no such unit: %w", selfheal.ErrPermanent)}
		r := newRetry(next)

		_, err := r.Recover(ctx, health)
		Expect(errors.Is(err, selfheal.ErrPermanent)).To(BeTrue())
		Expect(next.getCallCount()).To(Equal(1))
	})

	It("does not retry 4xx responses", func() {
		next := &countingRecoverer{err: selfheal.NewStatusCodeError(404, errors.New("not found"))}
		r := newRetry(next)

		_, err := r.Recover(ctx, health)
		Expect(err).To(HaveOccurred())
		Expect(next.getCallCount()).To(Equal(1))
	})

	It("honors a custom classifier", func() {
		next := &countingRecoverer{err: errors.New("anything")}
		r := newRetry(next, selfheal.WithErrorClassifier(selfheal.ErrorClassifierFunc(func(error) bool {
			return false
		})))

		_, _ = r.Recover(ctx, health)
		Expect(next.getCallCount()).To(Equal(1))
	})

	Context("when the action reports failure without an error", func() {
		It("returns false after one call by default", func() {
			next := &countingRecoverer{}
			r := newRetry(next)

			ok, err := r.Recover(ctx, health)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(next.getCallCount()).To(Equal(1))
		})

		It("retries with WithRetryOnFalse", func() {
			next := &countingRecoverer{}
			r := newRetry(next, selfheal.WithRetryOnFalse(), selfheal.WithMaxAttempts(4))

			ok, err := r.Recover(ctx, health)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(next.getCallCount()).To(Equal(4))
		})
	})

	It("stops on a cancelled context", func() {
		cancelled, stop := context.WithCancel(ctx)
		stop()

		next := &countingRecoverer{succeedOn: 1}
		_, err := newRetry(next).Recover(cancelled, health)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		Expect(next.getCallCount()).To(BeZero())
	})

	It("rejects a non-positive MaxAttempts", func() {
		next := &countingRecoverer{succeedOn: 1}
		_, err := newRetry(next, selfheal.WithMaxAttempts(0)).Recover(ctx, health)
		Expect(err).To(HaveOccurred())
		Expect(next.getCallCount()).To(BeZero())
	})

	It("plugs into a monitor as an action handler", func() {
		next := &countingRecoverer{succeedOn: 2, err: errors.New("flaky")}
		m, err := selfheal.New(testConfig(),
			selfheal.WithLogger(quietLogger()),
			selfheal.WithRules(),
			selfheal.WithActionHandler(selfheal.ActionRestart, newRetry(next)),
		)
		Expect(err).NotTo(HaveOccurred())
		m.RegisterService("db", (&mockProbe{}).Check, nil)

		ok, err := m.TriggerRecovery(ctx, "db", selfheal.ActionRestart)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		history := m.GetRecoveryHistory(0)
		Expect(history).To(HaveLen(1))
		Expect(history[0].Success).To(BeTrue())
	})
})

var _ = Describe("DefaultErrorClassifier", func() {
	classifier := selfheal.DefaultErrorClassifier()

	DescribeTable("retryability",
		func(err error, expected bool) {
			Expect(classifier.IsRetryable(err)).To(Equal(expected))
		},
		Entry("nil", nil, false),
		Entry("cancelled", context.Canceled, false),
		Entry("permanent", selfheal.ErrPermanent, false),
		Entry("deadline", context.DeadlineExceeded, true),
		Entry("429", selfheal.NewStatusCodeError(429, errors.New("slow down")), true),
		Entry("500", selfheal.NewStatusCodeError(500, errors.New("boom")), true),
		Entry("400", selfheal.NewStatusCodeError(400, errors.New("bad")), false),
		Entry("unclassified", errors.New("mystery"), true),
	)
})
