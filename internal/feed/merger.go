package feed

import (
	"sort"
	"sync"
	"time"
)

const defaultStaleAfter = 2 * time.Minute

// Merger 按来源权重把多路预测合并成每个品种的共识样本。
// 过期样本不参与合并。
type Merger struct {
	mu         sync.RWMutex
	staleAfter time.Duration
	latest     map[string]map[string]Sample // symbol -> source -> sample
}

func NewMerger(staleAfter time.Duration) *Merger {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Merger{
		staleAfter: staleAfter,
		latest:     make(map[string]map[string]Sample),
	}
}

// Add 记录一个来源的最新样本，覆盖同来源的旧值。
func (m *Merger) Add(sample Sample) {
	if sample.Symbol == "" || sample.Source == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bySource, ok := m.latest[sample.Symbol]
	if !ok {
		bySource = make(map[string]Sample)
		m.latest[sample.Symbol] = bySource
	}
	bySource[sample.Source] = sample
}

// Consensus 返回 symbol 当前的加权共识样本。所有样本都过期时返回 false。
// 权重同时乘以来源自报的置信度，预测越不确定的源贡献越小。
func (m *Merger) Consensus(symbol string, now time.Time) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bySource, ok := m.latest[symbol]
	if !ok {
		return Sample{}, false
	}

	var (
		sumWeight    float64
		sumPredicted float64
		sumCurrent   float64
		newest       time.Time
	)
	for _, s := range bySource {
		if now.Sub(s.FetchedAt) > m.staleAfter {
			continue
		}
		w := s.Weight * s.Confidence
		if w <= 0 {
			continue
		}
		sumWeight += w
		sumPredicted += s.Predicted * w
		sumCurrent += s.Current * w
		if s.FetchedAt.After(newest) {
			newest = s.FetchedAt
		}
	}
	if sumWeight <= 0 {
		return Sample{}, false
	}
	return Sample{
		Source:     "consensus",
		Symbol:     symbol,
		Current:    sumCurrent / sumWeight,
		Predicted:  sumPredicted / sumWeight,
		Confidence: 1,
		Weight:     sumWeight,
		FetchedAt:  newest,
	}, true
}

// Sources 返回参与某品种合并的来源名，按字典序。调试接口用。
func (m *Merger) Sources(symbol string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bySource := m.latest[symbol]
	names := make([]string, 0, len(bySource))
	for name := range bySource {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
