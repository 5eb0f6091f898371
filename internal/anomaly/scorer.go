package anomaly

import (
	"encoding/base64"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"

	"sentrywaf/internal/record"
)

// anomalyThresholdDisableAbove is the configured-threshold ceiling
// past which the scorer becomes a no-op: a threshold above 100 can
// never be reached by any
// bounded combination of factors, so short-circuiting saves the work.
const anomalyThresholdDisableAbove = 100

// Factor is one named contribution to the total anomaly score.
type Factor struct {
	Name  string
	Score float64
}

// Result is the Scorer's per-request output.
type Result struct {
	TotalScore float64
	Factors    []Factor
	IsAnomaly  bool
	Confidence float64
}

var (
	crawlerUA          = regexp.MustCompile(`(?i)bot|crawl|spider|scrape|slurp|curl|wget|python-requests|go-http-client`)
	knownBotsUA        = regexp.MustCompile(`(?i)googlebot|bingbot|duckduckbot|baiduspider|yandexbot|applebot`)
	suspiciousPath     = regexp.MustCompile(`(?i)\.\./|/admin|/wp-admin|\.env\b|\.git/|[0-9a-f]{32,}|[A-Za-z0-9+/]{40,}={0,2}|(?:/[^/]+){6,}`)
	sensitiveQueryKeys = map[string]struct{}{
		"cmd": {}, "exec": {}, "eval": {}, "system": {}, "shell": {}, "file": {},
		"path": {}, "dir": {}, "root": {}, "admin": {}, "password": {}, "passwd": {},
		"pwd": {}, "secret": {}, "token": {}, "key": {}, "auth": {}, "login": {},
	}
)

// Scorer computes the anomaly score for a single AnalysisRecord
// against the shared Baseline.
type Scorer struct {
	baseline         *Baseline
	anomalyThreshold float64
}

// NewScorer builds a Scorer bound to baseline, comparing against
// anomalyThreshold to decide IsAnomaly.
func NewScorer(baseline *Baseline, anomalyThreshold float64) *Scorer {
	return &Scorer{baseline: baseline, anomalyThreshold: anomalyThreshold}
}

// Score computes and returns the anomaly Result for rec, updating the
// baseline as a side effect (frequency always; the rest unless
// frozen).
func (s *Scorer) Score(rec *record.AnalysisRecord, now time.Time) Result {
	if s.anomalyThreshold > anomalyThresholdDisableAbove {
		return Result{}
	}

	var factors []Factor
	add := func(name string, score float64) {
		if score > 0 {
			factors = append(factors, Factor{Name: name, Score: score})
		}
	}

	add("frequency", s.frequencyFactor(rec.IP, now))
	add("user-agent", s.userAgentFactor(rec.UserAgent))
	add("path", s.pathFactor(rec.Path))
	add("query", s.queryFactor(rec.Query))
	add("body-size", s.bodySizeFactor(rec.BodyString()))
	add("headers", s.headersFactor(rec.Headers))
	add("time", timeFactor(now))

	var total float64
	for _, f := range factors {
		total += f.Score
	}
	total = math.Round(total*100) / 100

	var meanFactor float64
	if len(factors) > 0 {
		var sum float64
		for _, f := range factors {
			sum += f.Score
		}
		meanFactor = sum / float64(len(factors))
	}
	confidence := clamp(meanFactor*0.1, 0, 1)

	return Result{
		TotalScore: total,
		Factors:    factors,
		IsAnomaly:  total > s.anomalyThreshold,
		Confidence: confidence,
	}
}

func (s *Scorer) frequencyFactor(ip string, now time.Time) float64 {
	count, mean := s.baseline.ObserveIPFrequency(ip, now)
	if mean <= 0 || float64(count) <= 2*mean {
		return 0
	}
	excess := float64(count) - 2*mean
	return math.Min(excess*0.5, 10)
}

func (s *Scorer) userAgentFactor(ua string) float64 {
	var score float64
	if len(ua) < 10 {
		score += 3
	} else if crawlerUA.MatchString(ua) && !knownBotsUA.MatchString(ua) {
		score += 2
	}
	if len(ua) > 500 {
		score += 4
	}
	if s.baseline.userAgentRatio(ua) < 0.01 {
		score += 1
	}
	s.baseline.observeUserAgent(ua)
	return score
}

func (s *Scorer) pathFactor(path string) float64 {
	var score float64
	if suspiciousPath.MatchString(path) {
		score += 2
	}
	if len(path) > 200 {
		score += 1
	}
	if s.baseline.pathRatio(path) < 0.005 {
		score += 1
	}
	s.baseline.observePath(path)
	return score
}

func (s *Scorer) queryFactor(query map[string][]string) float64 {
	var keyScore float64
	for key, vals := range query {
		if _, sensitive := sensitiveQueryKeys[strings.ToLower(key)]; sensitive {
			keyScore += 2
		}
		s.baseline.observeQueryParam(key)
		for _, v := range vals {
			if len(v) > 1000 {
				keyScore += 1
			}
			if looksEncoded(v) {
				keyScore += 1
			}
		}
	}
	return math.Min(keyScore, 5)
}

func (s *Scorer) bodySizeFactor(body string) float64 {
	size := len(body)
	mean := s.baseline.BodySizeMean()
	s.baseline.observeBodySize(size)
	if mean <= 0 || float64(size) <= 3*mean {
		return 0
	}
	excess := float64(size) - 3*mean
	return math.Min(excess/1000, 5)
}

func (s *Scorer) headersFactor(headers map[string][]string) float64 {
	var score float64
	missing := 0
	for _, want := range []string{"User-Agent", "Accept", "Accept-Language"} {
		if firstHeader(headers, want) == "" {
			missing++
		}
	}
	if missing > 1 {
		score += 2
	}

	var longEncodedPenalty float64
	for name, vals := range headers {
		s.baseline.observeHeaderPresence(name)
		for _, v := range vals {
			if len(v) > 500 {
				score += 1
			}
			if looksEncoded(v) && len(v) > 100 {
				longEncodedPenalty += 1
			}
		}
	}
	score += longEncodedPenalty
	return math.Min(score, 3)
}

func timeFactor(now time.Time) float64 {
	var score float64
	hour := now.UTC().Hour()
	if hour >= 2 && hour < 6 {
		score += 1
	}
	switch now.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		score += 0.5
	}
	return score
}

func looksEncoded(v string) bool {
	if strings.Contains(v, "%") {
		if decoded, err := url.QueryUnescape(v); err == nil && decoded != v {
			return true
		}
	}
	if strings.Contains(v, "&#") {
		return true
	}
	if len(v) >= 8 && len(v)%4 == 0 {
		if _, err := base64.StdEncoding.DecodeString(v); err == nil {
			return true
		}
	}
	return false
}

func firstHeader(headers map[string][]string, name string) string {
	for k, vals := range headers {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
