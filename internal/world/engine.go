package world

import (
	"fmt"
	"math"

	"github.com/nidhogg/delegate-world/internal/config"
	"github.com/nidhogg/delegate-world/internal/rng"
	"go.uber.org/zap"
)

// ignoreBondPenalty is subtracted from B on every human ignore.
const ignoreBondPenalty = 0.02

// Simulation is the full mutable state of one run. It is owned by a single
// caller and is not safe for concurrent use.
type Simulation struct {
	cfg       config.RunConfig
	agents    map[string]Agent
	ids       []string
	relations *RelationStore
	rand      *rng.Source
	t         int
	msgSeq    int
	timeline  Timeline
	summary   Summary
	logger    *zap.Logger
}

// NewSimulation builds the initial state from a roster and initial importance
// edges. Each edge also seeds B = 0.5*I + 0.2.
func NewSimulation(cfg config.RunConfig, agents []Agent, edges []ImportanceEdge, seed uint32, logger *zap.Logger) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new simulation: %w", err)
	}
	if len(agents) != cfg.N {
		return nil, fmt.Errorf("new simulation: %w: roster has %d agents, N is %d",
			config.ErrInvalidConfig, len(agents), cfg.N)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byID := make(map[string]Agent, len(agents))
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		if _, dup := byID[a.ID]; dup {
			return nil, fmt.Errorf("new simulation: %w: duplicate agent id %q", config.ErrInvalidConfig, a.ID)
		}
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	rel := NewRelationStore(ids)
	for _, e := range edges {
		rel.SetImportance(e.From, e.To, e.Value)
		rel.SetBond(e.From, e.To, e.Value*0.5+0.2)
	}

	return &Simulation{
		cfg:       cfg,
		agents:    byID,
		ids:       ids,
		relations: rel,
		rand:      rng.New(seed),
		summary:   Summary{Steps: cfg.Steps},
		logger:    logger,
	}, nil
}

// Config returns the run configuration.
func (s *Simulation) Config() config.RunConfig { return s.cfg }

// T returns the index of the next step to run.
func (s *Simulation) T() int { return s.t }

// Done reports whether the configured step count has been reached.
func (s *Simulation) Done() bool { return s.t >= s.cfg.Steps }

// Summary returns a copy of the running summary.
func (s *Simulation) Summary() Summary { return s.summary }

// Timeline returns the recorded timeline.
func (s *Simulation) Timeline() *Timeline { return &s.timeline }

// Relations exposes the relationship state for read access.
func (s *Simulation) Relations() *RelationStore { return s.relations }

// Agents returns the roster in creation order.
func (s *Simulation) Agents() []Agent {
	out := make([]Agent, len(s.ids))
	for i, id := range s.ids {
		out[i] = s.agents[id]
	}
	return out
}

// ImportanceEdges returns current importance edges above 0.01.
func (s *Simulation) ImportanceEdges() []ImportanceEdge {
	return s.relations.ImportanceEdges(0.01)
}

// GraphSnapshot is a point-in-time copy of both relationship graphs.
type GraphSnapshot struct {
	T          int              `json:"t"`
	Importance []ImportanceEdge `json:"importance"`
	Bond       []ImportanceEdge `json:"bond"`
}

// Snapshot copies the current importance and bond edges above 0.01.
func (s *Simulation) Snapshot() GraphSnapshot {
	return GraphSnapshot{
		T:          s.t,
		Importance: s.relations.ImportanceEdges(0.01),
		Bond:       s.relations.BondEdges(0.01),
	}
}

// AgentState is an agent together with its evolving behavior.
type AgentState struct {
	Agent
	Behavior BehaviorState `json:"behavior"`
	Pruned   []string      `json:"pruned"`
}

// AgentStates returns the roster with current behavior and prune sets.
func (s *Simulation) AgentStates() []AgentState {
	out := make([]AgentState, len(s.ids))
	for i, id := range s.ids {
		out[i] = AgentState{
			Agent:    s.agents[id],
			Behavior: *s.relations.Behavior(id),
			Pruned:   s.relations.PruneSet(id),
		}
	}
	return out
}

// Step advances the simulation by one discrete step and returns its frame.
func (s *Simulation) Step() StepFrame {
	fb := newFrameBuilder(s.t)

	s.relations.DecayBonds(s.cfg.BondDecay)

	n := s.rand.Poisson(s.cfg.MessagesPerStepMean)
	for i := 0; i < n; i++ {
		s.sendMessage(fb)
	}

	s.aggregate()

	frame := fb.finish()
	s.timeline.Append(frame)
	s.t++

	s.logger.Debug("step complete",
		zap.Int("t", frame.T),
		zap.Int("messages", n),
		zap.Int("deltas", len(fb.deltas)))
	return frame
}

func (s *Simulation) sendMessage(fb *frameBuilder) {
	sender := s.ids[s.rand.Intn(len(s.ids))]
	bh := s.relations.Behavior(sender)
	pDiffuse := rng.Clamp(0.5+0.4*bh.BroadcastTendency-0.3*bh.DirectTendency, 0, 1)
	kind := KindDirect
	if s.rand.Float64() < pDiffuse {
		kind = KindDiffuse
	}

	candidates := s.candidates(sender)
	if len(candidates) == 0 {
		return
	}

	var targets []string
	if kind == KindDirect {
		weights := make([]float64, len(candidates))
		for i, id := range candidates {
			weights[i] = 0.7*s.relations.Importance(sender, id) + 0.3*s.relations.Bond(sender, id) + 0.01
		}
		targets = rng.SampleWithoutReplacement(s.rand, candidates, weights, s.cfg.DirectK)
	} else {
		for _, id := range candidates {
			if s.relations.Importance(sender, id) >= s.cfg.DiffuseThreshold {
				targets = append(targets, id)
			}
		}
	}
	if len(targets) == 0 {
		targets = []string{candidates[s.rand.Intn(len(candidates))]}
	}

	for _, target := range targets {
		s.deliver(fb, sender, target, kind)
	}
}

// candidates lists every agent except sender, minus its prune set. Pruning
// never silences a sender completely.
func (s *Simulation) candidates(sender string) []string {
	out := make([]string, 0, len(s.ids)-1)
	for _, id := range s.ids {
		if id != sender && !s.relations.IsPruned(sender, id) {
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, id := range s.ids {
		if id != sender {
			out = append(out, id)
		}
	}
	return out
}

func (s *Simulation) deliver(fb *frameBuilder, sender, target string, kind MessageKind) {
	importance := s.relations.Importance(sender, target)
	levelSent := roundLevel(s.rand.Normal(5*math.Max(0.01, importance), s.cfg.LevelSigma))

	regard := s.relations.Importance(target, sender)
	levelReceived := roundLevel(float64(levelSent) + s.cfg.ReinterpretAlpha*(regard-0.5)*2)

	s.msgSeq++
	msgID := fmt.Sprintf("m_%06d_%03d", s.t, s.msgSeq)
	fb.message(&MessageEvent{
		ID:             msgID,
		T:              s.t,
		SenderDisplay:  sender,
		SenderInternal: SenderInternal{Actor: ActorHuman, OriginHuman: sender},
		KindHi:         ActorHuman,
		KindLo:         kind,
		Targets:        []string{target},
		LevelSent:      levelSent,
		LevelReceived:  levelReceived,
	})
	s.summary.MessagesTotal++

	receiver := s.agents[target]
	if levelReceived <= receiver.AIDelegateThreshold {
		s.processByAI(fb, msgID, sender, target, levelReceived)
	} else {
		s.processByHuman(fb, msgID, sender, target, levelReceived)
	}

	if kind == KindDiffuse {
		s.relations.AddImportance(sender, target, -s.cfg.DeltaSpam)
		fb.delta(ImportanceDelta{From: sender, To: target, Delta: -s.cfg.DeltaSpam, Reason: ReasonDiffuseSpam})
	}
}

func (s *Simulation) processByAI(fb *frameBuilder, msgID, sender, target string, levelReceived int) {
	beta := s.cfg.AIReplyBeta
	replyLevel := roundLevel(beta*float64(levelReceived) + (1-beta)*3)

	fb.process(&ProcessEvent{
		MessageID:   msgID,
		T:           s.t,
		Receiver:    target,
		ProcessedBy: ActorAI,
		Action:      ActionReply,
		Reply: &Reply{
			SenderDisplay:  target,
			SenderInternal: SenderInternal{Actor: ActorAI, OriginHuman: target},
			KindHi:         ActorAI,
			KindLo:         KindDirect,
			Targets:        []string{sender},
			ReplyLevel:     replyLevel,
		},
	})
	s.summary.RepliesTotal++
	s.summary.RepliesByAI++

	s.relations.AddImportance(sender, target, s.cfg.DeltaReplyAI)
	fb.delta(ImportanceDelta{From: sender, To: target, Delta: s.cfg.DeltaReplyAI, Reason: ReasonAIReply})
	s.rewardReply(sender, target, replyLevel, s.cfg.WRealReplyAI, s.cfg.WBondAI)

	// Delegating shapes the delegator's own behavior.
	d := s.relations.Behavior(target)
	nudge(&d.DirectTendency, s.cfg.WDelegateDirect)
	nudge(&d.BroadcastTendency, s.cfg.WDelegateBroadcast)
	nudge(&d.PruneTendency, s.cfg.WDelegatePrune)
	nudge(&d.PerceivedSocialHealth, s.cfg.WDelegatePerceived)
}

func (s *Simulation) processByHuman(fb *frameBuilder, msgID, sender, target string, levelReceived int) {
	action := ActionIgnore
	if s.rand.Float64() < humanReplyProb[levelReceived] {
		action = ActionReply
	}
	fb.process(&ProcessEvent{
		MessageID:   msgID,
		T:           s.t,
		Receiver:    target,
		ProcessedBy: ActorHuman,
		Action:      action,
	})

	if action == ActionReply {
		s.summary.RepliesTotal++
		s.summary.RepliesByHuman++
		s.summary.DirectHumanHumanReplies++

		s.relations.AddImportance(sender, target, s.cfg.DeltaReplyHuman)
		fb.delta(ImportanceDelta{From: sender, To: target, Delta: s.cfg.DeltaReplyHuman, Reason: ReasonHumanReply})
		s.rewardReply(sender, target, levelReceived, s.cfg.WRealReplyHuman, s.cfg.WBondHuman)
		return
	}
	s.applyIgnore(fb, sender, target)
}

// applyIgnore penalizes the sender for a human ignore and prunes the target
// after repeated, recent, low-importance rejections.
func (s *Simulation) applyIgnore(fb *frameBuilder, sender, target string) {
	s.summary.IgnoresByHuman++
	importance := s.relations.AddImportance(sender, target, -s.cfg.DeltaIgnoreHuman)
	fb.delta(ImportanceDelta{From: sender, To: target, Delta: -s.cfg.DeltaIgnoreHuman, Reason: ReasonHumanIgnore})

	b := s.relations.Behavior(sender)
	nudge(&b.PerceivedSocialHealth, -s.cfg.WIgnore)
	nudge(&b.RealSocialHealth, -s.cfg.WIgnore)
	s.relations.AddBond(sender, target, -ignoreBondPenalty)

	recent := s.relations.RecordIgnore(sender, target, s.t, s.cfg.PruneWindowSteps)
	if importance < s.cfg.WeakTieThreshold && recent >= s.cfg.PruneIgnoreCountThreshold {
		if s.relations.Prune(sender, target) {
			s.logger.Debug("relationship pruned",
				zap.String("from", sender),
				zap.String("to", target),
				zap.Int("t", s.t),
				zap.Float64("importance", importance))
		}
	}
}

// rewardReply applies the sender-side effects of any reply.
func (s *Simulation) rewardReply(sender, target string, replyLevel int, wReal, wBond float64) {
	scale := float64(replyLevel) / 5
	b := s.relations.Behavior(sender)
	nudge(&b.PerceivedSocialHealth, s.cfg.WPerceivedReply*(1+scale))
	nudge(&b.RealSocialHealth, wReal*(1+scale))
	s.relations.AddBond(sender, target, wBond*scale)
}

func nudge(v *float64, delta float64) {
	*v = rng.Clamp(*v+delta, 0, 1)
}

// roundLevel clamps x to the 0–5 intensity scale and rounds to an integer.
func roundLevel(x float64) int {
	return int(math.Round(rng.Clamp(x, 0, 5)))
}
