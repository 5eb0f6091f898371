package metrics

// requestDurationBuckets are the standard bucket boundaries for the
// per-request latency histogram, covering the sub-second fast path
// through multi-minute worst cases.
var requestDurationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

// Builtin holds the fixed set of metric families the core exposes.
type Builtin struct {
	Registry *Registry

	RequestsTotal         *Family // counter{method,status}
	ThreatsTotal          *Family // counter{type,severity}
	BlocksTotal           *Family // counter{reason,module}
	LearningRequestsTotal *Family // counter{phase}
	RuleMatchesTotal      *Family // counter{rule_id,category}
	IPBlocksTotal         *Family // counter{reason}
	RateLimitHitsTotal    *Family // counter{ip}
	ErrorsTotal           *Family // counter, no labels

	BlockedIPs       *Family // gauge, no labels
	LearningProgress *Family // gauge{phase}
	RulesEnabled     *Family // gauge{category}
	AnomalyScore     *Family // gauge, last-observed anomaly score

	RequestDuration *Family // histogram{method,status}, seconds
}

// NewBuiltin registers the required counter/gauge/histogram families
// onto a fresh Registry.
func NewBuiltin() *Builtin {
	r := NewRegistry()
	return &Builtin{
		Registry:              r,
		RequestsTotal:         r.Counter("waf_requests_total", "Total requests processed, by method and outcome status"),
		ThreatsTotal:          r.Counter("waf_threats_total", "Total threats detected, by type and severity"),
		BlocksTotal:           r.Counter("waf_blocks_total", "Total requests blocked, by reason and deciding module"),
		LearningRequestsTotal: r.Counter("waf_learning_requests_total", "Total requests observed by the adaptive learner, by phase"),
		RuleMatchesTotal:      r.Counter("waf_rule_matches_total", "Total rule matches, by rule id and category"),
		IPBlocksTotal:         r.Counter("waf_ip_blocks_total", "Total IPs moved to the block table, by reason"),
		RateLimitHitsTotal:    r.Counter("waf_rate_limit_hits_total", "Total rate-limit violations, by ip"),
		ErrorsTotal:           r.Counter("waf_errors_total", "Total internal errors handled fail-open"),

		BlockedIPs:       r.Gauge("waf_blocked_ips", "Current number of IPs held in the block table"),
		LearningProgress: r.Gauge("waf_learning_progress", "Adaptive learner progress through the learning period (0 to 1), by current phase"),
		RulesEnabled:     r.Gauge("waf_rules_enabled", "Current number of enabled rules, by category"),
		AnomalyScore:     r.Gauge("waf_last_anomaly_score", "Most recently observed anomaly score"),

		RequestDuration: r.Histogram("waf_request_duration_seconds", "Time spent analyzing one request, by method and outcome status", requestDurationBuckets),
	}
}
