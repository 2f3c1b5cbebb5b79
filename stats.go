package selfheal

// Stats summarizes the monitor for dashboards and status endpoints.
type Stats struct {
	Running bool `json:"running"`

	Services     int            `json:"services"`
	ByStatus     map[Status]int `json:"by_status"`
	OpenBreakers int            `json:"open_breakers"`

	Rules        int `json:"rules"`
	EnabledRules int `json:"enabled_rules"`

	RecoveryEvents    int `json:"recovery_events"`
	RecoverySuccesses int `json:"recovery_successes"`
	RecoveryFailures  int `json:"recovery_failures"`
	HistoryCapacity   int `json:"history_capacity"`
}

// GetStats returns service, rule and recovery-history counts.
func (m *Monitor) GetStats() Stats {
	s := Stats{
		Running: m.IsRunning(),
		ByStatus: map[Status]int{
			StatusHealthy:    0,
			StatusDegraded:   0,
			StatusFailed:     0,
			StatusRecovering: 0,
			StatusUnknown:    0,
		},
		HistoryCapacity: m.history.capacity(),
	}

	for _, h := range m.GetAllServicesHealth() {
		s.Services++
		s.ByStatus[h.Status]++
		if h.BreakerState == BreakerOpen {
			s.OpenBreakers++
		}
	}

	s.Rules = len(m.rules.all())
	s.EnabledRules = len(m.rules.enabled())

	total, succeeded := m.history.counts()
	s.RecoveryEvents = total
	s.RecoverySuccesses = succeeded
	s.RecoveryFailures = total - succeeded

	return s
}
