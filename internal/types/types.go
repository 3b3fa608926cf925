package types

import "time"

// Role identifies who produced a working-memory turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in working memory
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageSource identifies where an inbound message came from
type MessageSource string

const (
	SourceText  MessageSource = "text"
	SourceVoice MessageSource = "voice"
)

// MessageType distinguishes ordinary user input from pipeline re-entry
type MessageType string

const (
	MessageUserInput  MessageType = "user_input"
	MessageToolResult MessageType = "tool_result"
	MessageProactive  MessageType = "proactive"
)

// InboundMessage is the transport-agnostic chat request (plus the
// internal fields the pipeline threads through on re-entry)
type InboundMessage struct {
	Text        string         `json:"text"`
	Source      MessageSource  `json:"source"`
	Attachments []any          `json:"attachments,omitempty"`
	RequestID   string         `json:"request_id"`
	Type        MessageType    `json:"type"`
	Channel     string         `json:"channel"`
	Platform    string         `json:"platform"`
	Meta        map[string]any `json:"meta,omitempty"` // tool_result carry-over (cycle ids, act history)
}

// Exchange is a user turn plus its assistant response, scoped to a
// thread and topic. MemoryChunk is populated asynchronously by the
// chunker; at most one chunk per exchange.
type Exchange struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"thread_id"`
	Topic        string       `json:"topic"`
	PromptText   string       `json:"prompt_text"`
	ResponseText string       `json:"response_text"`
	CreatedAt    time.Time    `json:"created_at"`
	MemoryChunk  *MemoryChunk `json:"memory_chunk,omitempty"`
}

// ThreadState is the lifecycle state of a thread
type ThreadState string

const (
	ThreadActive  ThreadState = "active"
	ThreadExpired ThreadState = "expired"
)

// Thread is a per-channel conversational session
type Thread struct {
	ID            string      `json:"id"`
	User          string      `json:"user"`
	Channel       string      `json:"channel"`
	Platform      string      `json:"platform"`
	CurrentTopic  string      `json:"current_topic"`
	TopicHistory  []string    `json:"topic_history"`
	ExchangeCount int         `json:"exchange_count"`
	State         ThreadState `json:"state"`
	LastActivity  time.Time   `json:"last_activity"`
}

// GistType categorizes a gist
type GistType string

const (
	GistFact       GistType = "fact"
	GistIntent     GistType = "intent"
	GistPreference GistType = "preference"
	GistEmotion    GistType = "emotion"
	GistContext    GistType = "context"
	GistReflection GistType = "reflection"
	GistColdStart  GistType = "cold_start"
)

// Gist is a short, typed, confidence-scored summary of a turn.
// Confidence is on a 0-10 scale.
type Gist struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Type       GistType  `json:"type"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsReal reports whether the gist carries conversational content
// (cold-start boosters are excluded from context warmth)
func (g *Gist) IsReal() bool {
	return g.Type != GistColdStart
}

// Fact is a key/value fact with confidence in [0,1]
type Fact struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// Durability tags an episode's expected lifetime; drives decay multipliers
type Durability string

const (
	DurabilityStable    Durability = "stable"
	DurabilityEvolving  Durability = "evolving"
	DurabilityTransient Durability = "transient"
	DurabilityCronTool  Durability = "cron_tool"
)

// ConsolidationStatus tracks whether an episode has been consumed by
// semantic consolidation. Empty string means not yet attempted.
type ConsolidationStatus string

const (
	ConsolidationPending   ConsolidationStatus = ""
	ConsolidationEmpty     ConsolidationStatus = "empty"
	ConsolidationCompleted ConsolidationStatus = "completed"
	ConsolidationFailed    ConsolidationStatus = "failed"
)

// Episode is a durable consolidated memory record
type Episode struct {
	ID              string              `json:"id"`
	Intent          string              `json:"intent"`
	Context         string              `json:"context"`
	Action          string              `json:"action"`
	Emotion         string              `json:"emotion"`
	Outcome         string              `json:"outcome"`
	Gist            string              `json:"gist"`
	Salience        float64             `json:"salience"` // [1,10] as written, normalized to [0.1,1] for freshness
	FreshnessBase   float64             `json:"freshness_base"`
	Embedding       []float64           `json:"embedding,omitempty"`
	Topic           string              `json:"topic"`
	ExchangeID      string              `json:"exchange_id"`
	Source          string              `json:"source"`
	Durability      Durability          `json:"durability"`
	CreatedAt       time.Time           `json:"created_at"`
	LastAccessedAt  time.Time           `json:"last_accessed_at"`
	AccessCount     int                 `json:"access_count"`
	ActivationScore float64             `json:"activation_score"`
	SalienceFactors map[string]float64  `json:"salience_factors,omitempty"`
	OpenLoops       []string            `json:"open_loops,omitempty"`
	Consolidation   ConsolidationStatus `json:"semantic_consolidation_status"`
	DeletedAt       *time.Time          `json:"deleted_at,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Concept is a semantic memory node. Strength floors at 0.2.
type Concept struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Definition      string    `json:"definition"`
	Strength        float64   `json:"strength"`
	DecayResistance float64   `json:"decay_resistance"`
	AccessCount     int       `json:"access_count"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	Embedding       []float64 `json:"embedding,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Relationship links two concepts
type Relationship struct {
	ID       string  `json:"id"`
	FromID   string  `json:"from_id"`
	ToID     string  `json:"to_id"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// TraitCategory drives trait decay and retention
type TraitCategory string

const (
	TraitCore            TraitCategory = "core"
	TraitPreference      TraitCategory = "preference"
	TraitPhysical        TraitCategory = "physical"
	TraitRelationship    TraitCategory = "relationship"
	TraitGeneral         TraitCategory = "general"
	TraitCommStyle       TraitCategory = "communication_style"
	TraitMicroPreference TraitCategory = "micro_preference"
)

// TraitSource distinguishes stated facts from inferences
type TraitSource string

const (
	TraitExplicit TraitSource = "explicit"
	TraitInferred TraitSource = "inferred"
)

// Trait is one per-user trait record
type Trait struct {
	Key                string        `json:"key"`
	Value              string        `json:"value"`
	Category           TraitCategory `json:"category"`
	Confidence         float64       `json:"confidence"`
	Source             TraitSource   `json:"source"`
	IsLiteral          bool          `json:"is_literal"`
	ReinforcementCount int           `json:"reinforcement_count"`
	LastReinforcedAt   time.Time     `json:"last_reinforced_at"`
	LastConflictAt     *time.Time    `json:"last_conflict_at,omitempty"`
	FloorSince         *time.Time    `json:"floor_since,omitempty"`
	Embedding          []float64     `json:"embedding,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// TraitObservation is what the chunker extracts before the trait
// service applies source/confidence penalties
type TraitObservation struct {
	Key        string        `json:"key"`
	Value      string        `json:"value"`
	Category   TraitCategory `json:"category"`
	Confidence float64       `json:"confidence"`
	Source     TraitSource   `json:"source"`
	IsLiteral  bool          `json:"is_literal"`
}

// IdentityVector is one of six personality dimensions
type IdentityVector struct {
	Name               string    `json:"name"`
	Baseline           float64   `json:"baseline"`
	Activation         float64   `json:"activation"`
	PlasticityRate     float64   `json:"plasticity_rate"`
	InertiaRate        float64   `json:"inertia_rate"`
	MinCap             float64   `json:"min_cap"`
	MaxCap             float64   `json:"max_cap"`
	SignalHistory      []float64 `json:"signal_history"`
	ReinforcementCount int       `json:"reinforcement_count"`
	DriftToday         float64   `json:"drift_today"`
	DriftWindowStart   time.Time `json:"drift_window_start"`
}

// CycleType classifies a reasoning cycle
type CycleType string

const (
	CycleUserInput    CycleType = "user_input"
	CycleFastResponse CycleType = "fast_response"
	CycleToolWork     CycleType = "tool_work"
	CycleDrift        CycleType = "drift"
	CycleFollowup     CycleType = "followup"
)

// CycleStatus is the lifecycle of a reasoning cycle
type CycleStatus string

const (
	CycleProcessing CycleStatus = "processing"
	CycleCompleted  CycleStatus = "completed"
	CycleCancelled  CycleStatus = "cancelled"
	CycleFailed     CycleStatus = "failed"
)

// Cycle correlates one reasoning operation
type Cycle struct {
	CycleID       string      `json:"cycle_id"`
	ParentCycleID string      `json:"parent_cycle_id,omitempty"`
	RootCycleID   string      `json:"root_cycle_id"`
	Type          CycleType   `json:"type"`
	Topic         string      `json:"topic"`
	Status        CycleStatus `json:"status"`
	PromptText    string      `json:"prompt_text,omitempty"`
	Embedding     []float64   `json:"embedding,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Mode is the terminal or iterative action taken for a turn
type Mode string

const (
	ModeRespond     Mode = "RESPOND"
	ModeAct         Mode = "ACT"
	ModeClarify     Mode = "CLARIFY"
	ModeAcknowledge Mode = "ACKNOWLEDGE"
	ModeIgnore      Mode = "IGNORE"
)

// ModeDecision is the mode router's output
type ModeDecision struct {
	Mode           Mode    `json:"mode"`
	Confidence     float64 `json:"confidence"`
	TiebreakerUsed bool    `json:"tiebreaker_used"`
	Rationale      string  `json:"rationale"`
}

// IntentType is the rule-classified intent of a message
type IntentType string

const (
	IntentQuestion     IntentType = "question"
	IntentRequest      IntentType = "request"
	IntentStatement    IntentType = "statement"
	IntentSocial       IntentType = "social"
	IntentCancel       IntentType = "cancel"
	IntentSelfResolved IntentType = "self_resolved"
)

// Intent is the rule-based classification of one message (no model call)
type Intent struct {
	Type           IntentType `json:"intent_type"`
	NeedsTools     bool       `json:"needs_tools"`
	Complexity     float64    `json:"complexity"` // [0,1]
	Confidence     float64    `json:"confidence"`
	Register       string     `json:"register"` // casual | neutral | formal
	IsCancel       bool       `json:"is_cancel"`
	IsSelfResolved bool       `json:"is_self_resolved"`
	ToolHints      []string   `json:"tool_hints,omitempty"`
}

// TopicResult is the topic classifier's output
type TopicResult struct {
	Topic              string        `json:"topic"`
	Confidence         float64       `json:"confidence"`
	ClassificationTime time.Duration `json:"classification_time"`
}

// ToolScore is one tool/skill relevance score
type ToolScore struct {
	Name      string  `json:"name"`
	Innate    bool    `json:"innate"`
	Relevance float64 `json:"relevance"`
}

// Signals is the vector the mode router scores. It is assembled by
// the digest pipeline from classifier outputs and store reads; the
// router itself is a pure function of it.
type Signals struct {
	WorkingMemoryFill float64    `json:"working_memory_fill"` // [0,1]
	GistCount         int        `json:"gist_count"`
	FactCount         int        `json:"fact_count"`
	ContextWarmth     float64    `json:"context_warmth"`
	Intent            Intent     `json:"intent"`
	TopicConfidence   float64    `json:"topic_confidence"`
	MaxToolRelevance  float64    `json:"max_tool_relevance"`
	ReplyLengthTrend  float64    `json:"reply_length_trend"` // ratio of last reply length to prior
	MessageWordCount  int        `json:"message_word_count"`
	PreviousMode      Mode       `json:"previous_mode"`
	ExcludeAct        bool       `json:"exclude_act"` // set on ACT -> terminal re-route
}

// ActionType is the planner's action discriminator
type ActionType string

const (
	ActionRecall       ActionType = "recall"
	ActionMemorize     ActionType = "memorize"
	ActionWorldUpdate  ActionType = "world_update"
	ActionListConcepts ActionType = "list_concepts"
	ActionExternalTool ActionType = "external_tool"
)

// Action is a single planned step. ExternalTool actions carry the
// tool name; innate actions are dispatched by type alone.
type Action struct {
	Type ActionType     `json:"type"`
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// ActionStatus is the dispatcher's outcome discriminator
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionError   ActionStatus = "error"
	ActionTimeout ActionStatus = "timeout"
)

// ActionResult is the dispatcher's unified result envelope
type ActionResult struct {
	ActionType    ActionType    `json:"action_type"`
	Tool          string        `json:"tool,omitempty"`
	Status        ActionStatus  `json:"status"`
	Result        string        `json:"result"`
	IsCard        bool          `json:"is_card,omitempty"` // visual card payload, suppresses follow-up
	ExecutionTime time.Duration `json:"execution_time"`
}

// EncodeEvent triggers the memory-chunker write path. Emitted twice
// per exchange: once with an empty response (user half), once with an
// empty prompt (assistant half).
type EncodeEvent struct {
	Topic           string         `json:"topic"`
	ExchangeID      string         `json:"exchange_id"`
	PromptMessage   string         `json:"prompt_message"`
	ResponseMessage string         `json:"response_message"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ThreadID        string         `json:"thread_id"`
}

// MemoryChunk is what the chunker extracts from one exchange half
type MemoryChunk struct {
	Gists              []Gist             `json:"gists,omitempty"`
	Facts              []Fact             `json:"facts,omitempty"`
	UserTraits         []TraitObservation `json:"user_traits,omitempty"`
	CommunicationStyle map[string]float64 `json:"communication_style,omitempty"`
	Emotion            *EmotionReading    `json:"emotion,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// EmotionReading is the chunker's emotion extraction
type EmotionReading struct {
	User      map[string]float64 `json:"user"`      // joy, surprise, anger, disgust
	Assistant map[string]float64 `json:"assistant"` // same dimensions
	Scope     EmotionScope       `json:"scope"`
}

// EmotionScope qualifies an emotion reading
type EmotionScope struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Emotion    string  `json:"emotion"`
}

// ThoughtType classifies a drift thought
type ThoughtType string

const (
	ThoughtReflection ThoughtType = "reflection"
	ThoughtQuestion   ThoughtType = "question"
	ThoughtHypothesis ThoughtType = "hypothesis"
	ThoughtInsight    ThoughtType = "insight"
	ThoughtEvent      ThoughtType = "event"
)

// Thought is one synthesized drift thought
type Thought struct {
	Content          string      `json:"content"`
	Type             ThoughtType `json:"type"`
	ActivationEnergy float64     `json:"activation_energy"`
	SeedConcept      string      `json:"seed_concept"`
	SeedTopic        string      `json:"seed_topic"`
	Embedding        []float64   `json:"embedding,omitempty"`
}

// ProactiveCandidate is a drift thought awaiting delivery
type ProactiveCandidate struct {
	ID               string        `json:"id"`
	Type             ThoughtType   `json:"type"`
	Content          string        `json:"content"`
	Topic            string        `json:"topic"`
	SeedConcept      string        `json:"seed_concept"`
	ActivationEnergy float64       `json:"activation_energy"`
	Score            float64       `json:"score"`
	CreatedAt        time.Time     `json:"created_at"`
	OriginalTTL      time.Duration `json:"original_ttl"`
	Embedding        []float64     `json:"embedding,omitempty"`
}

// AgedScore returns the candidate's score decayed by age against its
// original TTL (linear to zero at TTL)
func (c *ProactiveCandidate) AgedScore(now time.Time) float64 {
	if c.OriginalTTL <= 0 {
		return c.Score
	}
	age := now.Sub(c.CreatedAt)
	if age >= c.OriginalTTL {
		return 0
	}
	return c.Score * (1 - age.Seconds()/c.OriginalTTL.Seconds())
}

// SparkPhase is the relationship stage state machine
type SparkPhase string

const (
	PhaseFirstContact SparkPhase = "first_contact"
	PhaseSurface      SparkPhase = "surface"
	PhaseExploratory  SparkPhase = "exploratory"
	PhaseConnected    SparkPhase = "connected"
	PhaseGraduated    SparkPhase = "graduated"
)

// ToolManifest describes an external tool discovered from its registry
type ToolManifest struct {
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	TriggerType         string         `json:"trigger_type,omitempty"`
	NotificationEnabled bool           `json:"notification_enabled"`
}

// CuriosityThread is a seeded autonomous exploration thread
type CuriosityThread struct {
	ID          string    `json:"id"`
	SeedConcept string    `json:"seed_concept"`
	SeedTopic   string    `json:"seed_topic"`
	Content     string    `json:"content"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	LastTouched time.Time `json:"last_touched"`
}
