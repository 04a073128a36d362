package world

// ActorType identifies who authored or processed a message.
type ActorType string

const (
	ActorHuman ActorType = "HUMAN"
	ActorAI    ActorType = "AI"
)

// MessageKind is the targeting strategy of a message.
type MessageKind string

const (
	KindDirect  MessageKind = "DIRECT"
	KindDiffuse MessageKind = "DIFFUSE"
)

// Action is the outcome of processing a message.
type Action string

const (
	ActionReply  Action = "REPLY"
	ActionIgnore Action = "IGNORE"
)

// DeltaReason tags an importance mutation.
type DeltaReason string

const (
	ReasonHumanReply  DeltaReason = "HUMAN_REPLY"
	ReasonAIReply     DeltaReason = "AI_REPLY"
	ReasonHumanIgnore DeltaReason = "HUMAN_IGNORE"
	ReasonDiffuseSpam DeltaReason = "DIFFUSE_SPAM"
)

// humanReplyProb maps a received level to the chance a human replies.
var humanReplyProb = [6]float64{0.00, 0.10, 0.25, 0.45, 0.70, 0.90}

// Traits are fixed personality scalars in [0,1].
type Traits struct {
	Sociability float64 `json:"sociability"`
	Avoidance   float64 `json:"avoidance"`
	Curiosity   float64 `json:"curiosity"`
}

// Agent is an immutable member of the simulated population.
type Agent struct {
	ID                  string  `json:"id"`
	Type                int     `json:"type"`
	Traits              Traits  `json:"traits"`
	AIDelegateThreshold int     `json:"ai_delegate_threshold"`
	AIStrength          float64 `json:"ai_strength"`
}

// ImportanceEdge is one directed entry of the importance graph.
type ImportanceEdge struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Value float64 `json:"value"`
}

// BehaviorState is an agent's feedback memory of how its interactions went.
// Every field stays within [0,1].
type BehaviorState struct {
	PerceivedSocialHealth float64 `json:"perceived_social_health"`
	RealSocialHealth      float64 `json:"real_social_health"`
	BroadcastTendency     float64 `json:"broadcast_tendency"`
	DirectTendency        float64 `json:"direct_tendency"`
	PruneTendency         float64 `json:"prune_tendency"`
}

func defaultBehavior() BehaviorState {
	return BehaviorState{
		PerceivedSocialHealth: 0.5,
		RealSocialHealth:      0.5,
		BroadcastTendency:     0.5,
		DirectTendency:        0.5,
		PruneTendency:         0.5,
	}
}

// Summary aggregates counters and graph statistics for a run.
type Summary struct {
	Steps                   int     `json:"steps"`
	MessagesTotal           int     `json:"messages_total"`
	RepliesTotal            int     `json:"replies_total"`
	RepliesByHuman          int     `json:"replies_by_human"`
	RepliesByAI             int     `json:"replies_by_ai"`
	IgnoresByHuman          int     `json:"ignores_by_human"`
	DirectHumanHumanReplies int     `json:"direct_human_human_replies"`
	AIProcessedRatio        float64 `json:"ai_processed_ratio"`
	WeakTiesCount           int     `json:"weak_ties_count"`
	WeakTiesPruned          int     `json:"weak_ties_pruned"`
	BondMean                float64 `json:"bond_mean"`
}

// ProcessedTotal is the denominator of the AI-processed ratio.
func (s Summary) ProcessedTotal() int {
	return s.RepliesByAI + s.RepliesByHuman + s.IgnoresByHuman
}

// DerivedAIRatio recomputes the AI-processed ratio from the counters.
func (s Summary) DerivedAIRatio() float64 {
	total := s.ProcessedTotal()
	if total <= 0 {
		return 0
	}
	return float64(s.RepliesByAI) / float64(total)
}
