package selfheal_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
)

var _ = Describe("Monitor", func() {
	var (
		ctx      context.Context
		cfg      selfheal.Config
		monitor  *selfheal.Monitor
		recorder *eventRecorder
		probe    *mockProbe
	)

	newMonitor := func(opts ...selfheal.Option) *selfheal.Monitor {
		opts = append([]selfheal.Option{selfheal.WithLogger(quietLogger()), selfheal.WithRules()}, opts...)
		m, err := selfheal.New(cfg, opts...)
		Expect(err).NotTo(HaveOccurred())
		m.SubscribeAll(recorder.handle)
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = testConfig()
		recorder = &eventRecorder{}
		probe = &mockProbe{healthy: true}
	})

	AfterEach(func() {
		if monitor != nil {
			monitor.Stop()
		}
	})

	Describe("Registration", func() {
		BeforeEach(func() {
			monitor = newMonitor()
		})

		It("starts services as UNKNOWN with a closed breaker", func() {
			monitor.RegisterService("db", probe.Check, map[string]any{"owner": "storage"})

			health, ok := monitor.GetServiceHealth("db")
			Expect(ok).To(BeTrue())
			Expect(health.Status).To(Equal(selfheal.StatusUnknown))
			Expect(health.BreakerState).To(Equal(selfheal.BreakerClosed))
			Expect(health.Metadata).To(HaveKeyWithValue("owner", "storage"))
			Expect(recorder.kinds()).To(Equal([]selfheal.EventKind{selfheal.EventServiceRegistered}))
		})

		It("replaces a service registered twice", func() {
			monitor.RegisterService("db", probe.Check, nil)
			monitor.RunHealthChecks(ctx)

			monitor.RegisterService("db", probe.Check, nil)
			health, _ := monitor.GetServiceHealth("db")
			Expect(health.Status).To(Equal(selfheal.StatusUnknown))
			Expect(health.SuccessCount).To(BeZero())
		})

		It("unregisters services", func() {
			monitor.RegisterService("db", probe.Check, nil)
			monitor.UnregisterService("db")
			monitor.UnregisterService("db")

			_, ok := monitor.GetServiceHealth("db")
			Expect(ok).To(BeFalse())
			Expect(recorder.ofKind(selfheal.EventServiceUnregistered)).To(HaveLen(1))
		})

		It("returns copies of health records", func() {
			monitor.RegisterService("db", probe.Check, map[string]any{"k": "v"})

			health, _ := monitor.GetServiceHealth("db")
			health.Metadata["k"] = "changed"
			health.ErrorCount = 99

			again, _ := monitor.GetServiceHealth("db")
			Expect(again.Metadata).To(HaveKeyWithValue("k", "v"))
			Expect(again.ErrorCount).To(BeZero())
		})

		It("lists every service ordered by name", func() {
			monitor.RegisterService("queue", probe.Check, nil)
			monitor.RegisterService("cache", probe.Check, nil)

			all := monitor.GetAllServicesHealth()
			Expect(all).To(HaveLen(2))
			Expect(all[0].Name).To(Equal("cache"))
			Expect(all[1].Name).To(Equal("queue"))
		})
	})

	Describe("Health checks", func() {
		It("marks a passing service HEALTHY and emits recovered", func() {
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)

			monitor.RunHealthChecks(ctx)

			health, _ := monitor.GetServiceHealth("db")
			Expect(health.Status).To(Equal(selfheal.StatusHealthy))
			Expect(health.SuccessCount).To(Equal(1))
			Expect(health.LastCheck).NotTo(BeZero())

			recovered := recorder.ofKind(selfheal.EventHealthRecovered)
			Expect(recovered).To(HaveLen(1))
			Expect(recovered[0].PreviousStatus).To(Equal(selfheal.StatusUnknown))
		})

		It("tracks the failure streak and records the error", func() {
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)
			probe.set(false, errors.New("connection refused"))

			monitor.RunHealthChecks(ctx)
			monitor.RunHealthChecks(ctx)

			health, _ := monitor.GetServiceHealth("db")
			Expect(health.Status).To(Equal(selfheal.StatusFailed))
			Expect(health.ErrorCount).To(Equal(2))
			Expect(health.LastError).To(ContainSubstring("connection refused"))
			Expect(health.BreakerOpen).To(BeFalse())
			Expect(recorder.ofKind(selfheal.EventHealthDegraded)).To(HaveLen(1))

			probe.set(true, nil)
			monitor.RunHealthChecks(ctx)

			health, _ = monitor.GetServiceHealth("db")
			Expect(health.Status).To(Equal(selfheal.StatusHealthy))
			Expect(health.ErrorCount).To(BeZero())
			Expect(health.LastError).To(BeEmpty())

			recovered := recorder.ofKind(selfheal.EventHealthRecovered)
			Expect(recovered[len(recovered)-1].PreviousStatus).To(Equal(selfheal.StatusFailed))
		})

		It("raises one alert when the streak reaches the threshold", func() {
			cfg.AlertThreshold = 2
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)
			probe.set(false, nil)

			for i := 0; i < 4; i++ {
				monitor.RunHealthChecks(ctx)
			}

			alerts := recorder.ofKind(selfheal.EventHealthAlert)
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].Health.ErrorCount).To(Equal(2))
		})

		It("emits no alerts when alerts are disabled", func() {
			cfg.AlertThreshold = 1
			cfg.AlertsEnabled = false
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)
			probe.set(false, nil)

			monitor.RunHealthChecks(ctx)
			Expect(recorder.ofKind(selfheal.EventHealthAlert)).To(BeEmpty())
		})

		It("stops invoking the probe once the breaker opens", func() {
			cfg.BreakerFailureThreshold = 2
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)
			probe.set(false, nil)

			for i := 0; i < 4; i++ {
				monitor.RunHealthChecks(ctx)
			}

			Expect(probe.getCallCount()).To(Equal(2))

			health, _ := monitor.GetServiceHealth("db")
			Expect(health.Status).To(Equal(selfheal.StatusFailed))
			Expect(health.ErrorCount).To(Equal(4))
			Expect(health.BreakerOpen).To(BeTrue())
			Expect(health.BreakerState).To(Equal(selfheal.BreakerOpen))
		})

		It("fails a probe that exceeds the probe timeout", func() {
			cfg.ProbeTimeout = 20 * time.Millisecond
			monitor = newMonitor()
			monitor.RegisterService("slow", func(ctx context.Context) (bool, error) {
				select {
				case <-time.After(time.Second):
					return true, nil
				case <-ctx.Done():
					return false, ctx.Err()
				}
			}, nil)

			monitor.RunHealthChecks(ctx)

			health, _ := monitor.GetServiceHealth("slow")
			Expect(health.Status).To(Equal(selfheal.StatusFailed))
			Expect(health.LastError).To(ContainSubstring("did not complete"))
		})

		It("survives a panicking probe", func() {
			monitor = newMonitor()
			monitor.RegisterService("boom", func(context.Context) (bool, error) {
				panic("probe exploded")
			}, nil)
			monitor.RegisterService("db", probe.Check, nil)

			monitor.RunHealthChecks(ctx)

			boom, _ := monitor.GetServiceHealth("boom")
			Expect(boom.Status).To(Equal(selfheal.StatusFailed))
			Expect(boom.LastError).To(ContainSubstring("probe exploded"))

			db, _ := monitor.GetServiceHealth("db")
			Expect(db.Status).To(Equal(selfheal.StatusHealthy))
		})

		It("marks slow successful probes DEGRADED", func() {
			cfg.DegradedResponseTime = 5 * time.Millisecond
			monitor = newMonitor()
			monitor.RegisterService("slow", func(context.Context) (bool, error) {
				time.Sleep(20 * time.Millisecond)
				return true, nil
			}, nil)

			monitor.RunHealthChecks(ctx)

			health, _ := monitor.GetServiceHealth("slow")
			Expect(health.Status).To(Equal(selfheal.StatusDegraded))
			Expect(health.IsHealthy()).To(BeTrue())
		})

		It("checks a single service on demand", func() {
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)

			health, err := monitor.ForceHealthCheck(ctx, "db")
			Expect(err).NotTo(HaveOccurred())
			Expect(health.Status).To(Equal(selfheal.StatusHealthy))

			_, err = monitor.ForceHealthCheck(ctx, "missing")
			Expect(errors.Is(err, selfheal.ErrServiceNotFound)).To(BeTrue())
		})
	})

	Describe("Lifecycle", func() {
		It("runs the health loop until stopped", func() {
			cfg.HealthCheckInterval = 10 * time.Millisecond
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)

			monitor.Start()
			monitor.Start()
			Expect(monitor.IsRunning()).To(BeTrue())

			Eventually(func() selfheal.Status {
				h, _ := monitor.GetServiceHealth("db")
				return h.Status
			}).Should(Equal(selfheal.StatusHealthy))
			Eventually(probe.getCallCount).Should(BeNumerically(">=", 2))

			monitor.Stop()
			monitor.Stop()
			Expect(monitor.IsRunning()).To(BeFalse())

			Expect(recorder.ofKind(selfheal.EventSystemStarted)).To(HaveLen(1))
			Expect(recorder.ofKind(selfheal.EventSystemStopped)).To(HaveLen(1))

			calls := probe.getCallCount()
			Consistently(probe.getCallCount, 50*time.Millisecond).Should(Equal(calls))
		})

		It("discards probe results that finish after stop", func() {
			cfg.ProbeTimeout = 500 * time.Millisecond
			monitor = newMonitor()

			started := make(chan struct{})
			release := make(chan struct{})
			monitor.RegisterService("db", func(ctx context.Context) (bool, error) {
				close(started)
				<-release
				return true, nil
			}, nil)

			monitor.Start()
			Eventually(started).Should(BeClosed())

			go func() {
				defer GinkgoRecover()
				time.Sleep(50 * time.Millisecond)
				close(release)
			}()
			monitor.Stop()

			health, _ := monitor.GetServiceHealth("db")
			Expect(health.Status).To(Equal(selfheal.StatusUnknown))
		})

		It("runs recovery automatically while started", func() {
			cfg.HealthCheckInterval = 10 * time.Millisecond
			cfg.RecoveryLoopInterval = 10 * time.Millisecond

			recovered := make(chan string, 10)
			monitor = newMonitor(selfheal.WithRules(selfheal.RecoveryRule{
				ID:          "restart",
				ServiceName: "*",
				Condition:   "status == FAILED",
				Action:      selfheal.ActionRestart,
				Enabled:     true,
				Recoverer: selfheal.RecovererFunc(func(ctx context.Context, h selfheal.ServiceHealth) (bool, error) {
					recovered <- h.Name
					probe.set(true, nil)
					return true, nil
				}),
			}))
			probe.set(false, nil)
			monitor.RegisterService("db", probe.Check, nil)

			monitor.Start()

			Eventually(recovered).Should(Receive(Equal("db")))
			Eventually(func() selfheal.Status {
				h, _ := monitor.GetServiceHealth("db")
				return h.Status
			}).Should(Equal(selfheal.StatusHealthy))
		})

		It("does not run recovery when auto recovery is disabled", func() {
			cfg.HealthCheckInterval = 10 * time.Millisecond
			cfg.RecoveryLoopInterval = 10 * time.Millisecond
			cfg.AutoRecoveryEnabled = false

			monitor = newMonitor(selfheal.WithRules(selfheal.RecoveryRule{
				ID: "restart", ServiceName: "*", Condition: "status == FAILED",
				Action: selfheal.ActionRestart, Enabled: true,
			}))
			probe.set(false, nil)
			monitor.RegisterService("db", probe.Check, nil)

			monitor.Start()

			Consistently(func() []selfheal.Event {
				return recorder.ofKind(selfheal.EventRecoveryStarted)
			}, 100*time.Millisecond).Should(BeEmpty())
		})

		It("refuses cleanup while running", func() {
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)

			monitor.Start()
			Expect(errors.Is(monitor.Cleanup(), selfheal.ErrStillRunning)).To(BeTrue())

			monitor.Stop()
			Expect(monitor.Cleanup()).To(Succeed())
			Expect(monitor.GetAllServicesHealth()).To(BeEmpty())
			Expect(monitor.RecoveryRules()).To(BeEmpty())
			Expect(monitor.GetRecoveryHistory(0)).To(BeEmpty())
		})

		It("lets a handler stop the monitor", func() {
			cfg.HealthCheckInterval = 10 * time.Millisecond
			monitor = newMonitor()
			monitor.RegisterService("db", probe.Check, nil)

			done := make(chan struct{})
			var once sync.Once
			monitor.Subscribe(selfheal.EventHealthRecovered, func(selfheal.Event) {
				monitor.Stop()
				once.Do(func() { close(done) })
			})

			monitor.Start()
			Eventually(done, 2*time.Second).Should(BeClosed())
			Expect(monitor.IsRunning()).To(BeFalse())

			Eventually(func() []selfheal.Event {
				return recorder.ofKind(selfheal.EventSystemStopped)
			}).Should(HaveLen(1))
			Eventually(monitor.Cleanup).Should(Succeed())

			calls := probe.getCallCount()
			Consistently(probe.getCallCount, 50*time.Millisecond).Should(Equal(calls))
		})
	})

	Describe("Events", func() {
		It("delivers only the subscribed kind until unsubscribed", func() {
			monitor = newMonitor()
			sub := &eventRecorder{}
			unsubscribe := monitor.Subscribe(selfheal.EventServiceRegistered, sub.handle)

			monitor.RegisterService("a", probe.Check, nil)
			monitor.UnregisterService("a")
			unsubscribe()
			unsubscribe()
			monitor.RegisterService("b", probe.Check, nil)

			Expect(sub.kinds()).To(Equal([]selfheal.EventKind{selfheal.EventServiceRegistered}))
		})

		It("isolates a panicking handler", func() {
			monitor = newMonitor()
			monitor.Subscribe(selfheal.EventServiceRegistered, func(selfheal.Event) {
				panic("handler exploded")
			})
			after := &eventRecorder{}
			monitor.Subscribe(selfheal.EventServiceRegistered, after.handle)

			Expect(func() { monitor.RegisterService("db", probe.Check, nil) }).NotTo(Panic())
			Expect(after.kinds()).To(HaveLen(1))
		})

		It("lets handlers call back into the monitor", func() {
			monitor = newMonitor()
			var seen selfheal.ServiceHealth
			monitor.Subscribe(selfheal.EventHealthRecovered, func(e selfheal.Event) {
				seen, _ = monitor.GetServiceHealth(e.Service)
			})
			monitor.RegisterService("db", probe.Check, nil)

			monitor.RunHealthChecks(ctx)
			Expect(seen.Status).To(Equal(selfheal.StatusHealthy))
		})
	})

	Describe("GetStats", func() {
		It("counts services by status", func() {
			monitor = newMonitor(selfheal.WithRules(selfheal.DefaultRules()...))
			failing := &mockProbe{}
			monitor.RegisterService("db", probe.Check, nil)
			monitor.RegisterService("cache", failing.Check, nil)
			monitor.RegisterService("queue", probe.Check, nil)
			monitor.RunHealthChecks(ctx)

			stats := monitor.GetStats()
			Expect(stats.Running).To(BeFalse())
			Expect(stats.Services).To(Equal(3))
			Expect(stats.ByStatus[selfheal.StatusHealthy]).To(Equal(2))
			Expect(stats.ByStatus[selfheal.StatusFailed]).To(Equal(1))
			Expect(stats.Rules).To(Equal(2))
			Expect(stats.EnabledRules).To(Equal(2))
			Expect(stats.HistoryCapacity).To(Equal(100))
		})
	})
})
