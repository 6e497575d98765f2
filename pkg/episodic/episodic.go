// Package episodic provides episodic memory for the CASYS predictor.
//
// Episodes aggregate per-tool outcomes observed under a hashed workflow
// context. The predictor consults them to boost tools that succeeded in
// similar contexts and suppress or exclude tools that failed.
package episodic

import (
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/casys-ai/casys/pkg/config"
)

// ContextHash derives a stable key from the ordered executed tool ids.
// blake2b-256 truncated to 16 bytes, hex-encoded.
func ContextHash(executed []string) string {
	h, _ := blake2b.New256(nil)
	for _, id := range executed {
		h.Write([]byte(id))
		h.Write([]byte{0x00})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Outcome aggregates observations of one target under one context.
type Outcome struct {
	Total     int
	Successes int
	Failures  int
}

// SuccessRate returns successes/total, 0 when empty.
func (o Outcome) SuccessRate() float64 {
	if o.Total == 0 {
		return 0
	}
	return float64(o.Successes) / float64(o.Total)
}

// FailureRate returns failures/total, 0 when empty.
func (o Outcome) FailureRate() float64 {
	if o.Total == 0 {
		return 0
	}
	return float64(o.Failures) / float64(o.Total)
}

// Memory holds episode aggregates keyed by context hash and target id.
type Memory struct {
	mu       sync.RWMutex
	episodes map[string]map[string]*Outcome
}

// NewMemory creates empty episodic memory.
func NewMemory() *Memory {
	return &Memory{episodes: make(map[string]map[string]*Outcome)}
}

// Record adds one observation of target under contextHash.
func (m *Memory) Record(contextHash, target string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTarget := m.episodes[contextHash]
	if byTarget == nil {
		byTarget = make(map[string]*Outcome)
		m.episodes[contextHash] = byTarget
	}
	o := byTarget[target]
	if o == nil {
		o = &Outcome{}
		byTarget[target] = o
	}
	o.Total++
	if success {
		o.Successes++
	} else {
		o.Failures++
	}
}

// Lookup returns the aggregate for target under contextHash.
func (m *Memory) Lookup(contextHash, target string) (Outcome, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byTarget, ok := m.episodes[contextHash]
	if !ok {
		return Outcome{}, false
	}
	o, ok := byTarget[target]
	if !ok {
		return Outcome{}, false
	}
	return *o, true
}

// Adjust applies the episodic adjustment rule to a base confidence.
// Returns the adjusted value and whether the target must be excluded
// outright (failure rate above the exclusion threshold).
func (m *Memory) Adjust(cfg config.EpisodicConfig, contextHash, target string, base float64) (float64, bool) {
	o, ok := m.Lookup(contextHash, target)
	if !ok || o.Total == 0 {
		return base, false
	}
	if o.FailureRate() > cfg.FailureExclude {
		return 0, true
	}
	adjusted := base +
		min(cfg.SuccessCap, o.SuccessRate()*cfg.SuccessScale) -
		min(cfg.FailureCap, o.FailureRate()*cfg.FailureScale)
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 1 {
		adjusted = 1
	}
	return adjusted, false
}
