package advisory

import (
	"context"
	"fmt"
	"os"

	"execution-core/internal/engine"
	"execution-core/internal/order"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Proposer produces candidate plans.
type Proposer interface {
	ProposePlans(ctx context.Context) ([]Proposal, error)
}

// Scorer re-checks an instrument before a proposal is acted on.
type Scorer interface {
	Score(ctx context.Context, instrument string) (Verdict, error)
}

// Registrar accepts trading plans.
type Registrar interface {
	RegisterTarget(plan engine.TradingPlan) error
}

// Submitter accepts order intents.
type Submitter interface {
	Submit(intent order.OrderIntent) bool
}

// Planner registers BUY proposals as trading plans and, when a proposal
// carries size and entry, queues the entry order.
//
// With a Reviewer set, each BUY proposal is scored again at refresh time and
// dropped unless the fresh verdict is BUY with at least MinScore. A scoring
// failure keeps the proposal's own decision.
type Planner struct {
	Source   Proposer
	Reviewer Scorer
	MinScore int
	Plans    Registrar
	Orders   Submitter
	Logger   *zap.Logger
}

// Refresh pulls proposals and reports how many plans were registered.
func (p *Planner) Refresh(ctx context.Context) (int, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	proposals, err := p.Source.ProposePlans(ctx)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, pr := range proposals {
		if pr.Decision != DecisionBuy {
			continue
		}
		if !p.confirm(ctx, &pr, logger) {
			continue
		}
		plan := engine.TradingPlan{
			Instrument:     pr.Instrument,
			Name:           pr.Name,
			OriginalTarget: pr.Target,
			OriginalStop:   pr.Stop,
		}
		if err := p.Plans.RegisterTarget(plan); err != nil {
			logger.Warn("proposal rejected", zap.String("instrument", pr.Instrument), zap.Error(err))
			continue
		}
		registered++

		if p.Orders != nil && pr.Quantity > 0 && pr.EntryPrice > 0 {
			reason := fmt.Sprintf("advisory buy (score %d)", pr.Score)
			p.Orders.Submit(order.NewEntry(pr.Instrument, pr.Name, pr.Quantity, pr.EntryPrice, pr.Target, pr.Stop, reason))
		}
	}
	logger.Info("advisory plans refreshed", zap.Int("proposals", len(proposals)), zap.Int("registered", registered))
	return registered, nil
}

func (p *Planner) confirm(ctx context.Context, pr *Proposal, logger *zap.Logger) bool {
	if p.Reviewer == nil {
		return true
	}
	v, err := p.Reviewer.Score(ctx, pr.Instrument)
	if err != nil {
		logger.Warn("proposal score failed; using proposal verdict",
			zap.String("instrument", pr.Instrument),
			zap.Error(err),
		)
		return true
	}
	if v.Decision != DecisionBuy || v.Score < p.MinScore {
		logger.Info("proposal dropped on review",
			zap.String("instrument", pr.Instrument),
			zap.String("decision", v.Decision),
			zap.Int("score", v.Score),
			zap.Int("min_score", p.MinScore),
		)
		return false
	}
	pr.Score = v.Score
	return true
}

type plansFile struct {
	Targets []engine.TradingPlan `yaml:"targets"`
}

// LoadPlansFile reads static plans from a YAML file.
func LoadPlansFile(path string) ([]engine.TradingPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}
	for i, p := range f.Targets {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plans file entry %d: %w", i, err)
		}
	}
	return f.Targets, nil
}
