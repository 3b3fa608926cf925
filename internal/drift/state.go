// Package drift is the autonomous engine: on a timer it synthesizes a
// thought from the semantic graph, routes it through a fixed action
// registry, and tracks how the user responds to anything proactive.
package drift

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/types"
)

// Task is a persistent PLAN artifact
type Task struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Steps     []string  `json:"steps"`
	Status    string    `json:"status"` // active | awaiting_confirmation | done
	CreatedAt time.Time `json:"created_at"`
}

// outcomeRecord is one engagement classification
type outcomeRecord struct {
	Outcome string    `json:"outcome"` // engaged | acknowledged | dismissed
	Score   float64   `json:"score"`
	At      time.Time `json:"at"`
}

// state is everything the drift engine persists between restarts
type state struct {
	SparkPhase        types.SparkPhase           `json:"spark_phase"`
	EngagedCount      int                        `json:"engaged_count"`
	Backoff           float64                    `json:"backoff"`
	Unanswered        int                        `json:"unanswered"`
	Outcomes          []outcomeRecord            `json:"outcomes"`
	Negatives         []time.Time                `json:"negatives"`
	PausedUntil       time.Time                  `json:"paused_until"`
	PausedSince       time.Time                  `json:"paused_since"`
	Pending           *types.ProactiveCandidate  `json:"pending,omitempty"`
	Candidates        []types.ProactiveCandidate `json:"candidates"`
	Deferred          []types.ProactiveCandidate `json:"deferred"`
	DeferredProcessed bool                       `json:"deferred_processed"`
	ActivationSamples []float64                  `json:"activation_samples"`
	LastSeedThread    time.Time                  `json:"last_seed_thread"`
	LastNurture       time.Time                  `json:"last_nurture"`
	LastPlan          time.Time                  `json:"last_plan"`
	LastSuggest       time.Time                  `json:"last_suggest"`
	SuggestTopics     map[string]time.Time       `json:"suggest_topics"`
	SuggestFired      bool                       `json:"suggest_fired"`
	DriftTopicCounts  map[string]int             `json:"drift_topic_counts"`
	Tasks             []Task                     `json:"tasks"`
	TicksToday        int                        `json:"ticks_today"`
	ReflectsToday     int                        `json:"reflects_today"`
	DayStart          time.Time                  `json:"day_start"`
}

// store wraps the state with locking and JSON snapshots
type store struct {
	mu   sync.Mutex
	path string
	s    state
}

func newStore(statePath string) *store {
	st := &store{
		path: filepath.Join(statePath, "system", "drift.json"),
		s: state{
			SparkPhase:       types.PhaseFirstContact,
			Backoff:          1.0,
			SuggestTopics:    make(map[string]time.Time),
			DriftTopicCounts: make(map[string]int),
			DayStart:         time.Now(),
		},
	}
	st.load()
	return st
}

func (st *store) load() {
	data, err := os.ReadFile(st.path)
	if err != nil {
		return
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Warn("drift", "corrupt state snapshot: %v", err)
		return
	}
	if s.Backoff < 1 {
		s.Backoff = 1
	}
	if s.SparkPhase == "" {
		s.SparkPhase = types.PhaseFirstContact
	}
	if s.SuggestTopics == nil {
		s.SuggestTopics = make(map[string]time.Time)
	}
	if s.DriftTopicCounts == nil {
		s.DriftTopicCounts = make(map[string]int)
	}
	st.s = s
}

func (st *store) save() {
	data, err := json.MarshalIndent(st.s, "", "  ")
	if err != nil {
		return
	}
	os.MkdirAll(filepath.Dir(st.path), 0755)
	if err := os.WriteFile(st.path, data, 0644); err != nil {
		logging.Warn("drift", "save state: %v", err)
	}
}

// update runs fn under the lock and persists afterwards
func (st *store) update(fn func(*state)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
	st.save()
}

// read runs fn under the lock without persisting
func (st *store) read(fn func(*state)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
}

// pushCandidate inserts a candidate into the capped sorted set,
// dropping the lowest aged score on overflow
func pushCandidate(set []types.ProactiveCandidate, c types.ProactiveCandidate, cap_ int, now time.Time) []types.ProactiveCandidate {
	set = append(set, c)
	sort.Slice(set, func(i, j int) bool {
		return set[i].AgedScore(now) > set[j].AgedScore(now)
	})
	if len(set) > cap_ {
		set = set[:cap_]
	}
	return set
}

// popBest removes and returns the highest aged-score candidate still
// above zero
func popBest(set []types.ProactiveCandidate, now time.Time) (types.ProactiveCandidate, []types.ProactiveCandidate, bool) {
	bestIdx, bestScore := -1, 0.0
	for i := range set {
		if s := set[i].AgedScore(now); s > bestScore {
			bestIdx, bestScore = i, s
		}
	}
	if bestIdx < 0 {
		return types.ProactiveCandidate{}, set, false
	}
	best := set[bestIdx]
	set = append(set[:bestIdx], set[bestIdx+1:]...)
	return best, set, true
}
