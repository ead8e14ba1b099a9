package sync

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// DefaultClockSkewTolerance is the window within which two timestamps are
// treated as simultaneous
const DefaultClockSkewTolerance = 5 * time.Second

// SourceOfTruth maps entity types to the side that always wins
type SourceOfTruth map[marketplace.EntityType]marketplace.Side

// DefaultSourceOfTruth trusts the marketplace for orders and the store for
// stock, prices and categories. Products have no fixed owner.
func DefaultSourceOfTruth() SourceOfTruth {
	return SourceOfTruth{
		marketplace.EntityOrder:     marketplace.SideRemote,
		marketplace.EntityInventory: marketplace.SideLocal,
		marketplace.EntityPrice:     marketplace.SideLocal,
		marketplace.EntityCategory:  marketplace.SideLocal,
	}
}

// ConflictResolver classifies conflicts and applies a resolution strategy
type ConflictResolver struct {
	policy    SourceOfTruth
	tolerance time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewConflictResolver creates a resolver. A nil policy uses the defaults,
// an empty one disables priority-based resolution.
func NewConflictResolver(policy SourceOfTruth, tolerance time.Duration, logger *zap.Logger) *ConflictResolver {
	if policy == nil {
		policy = DefaultSourceOfTruth()
	}
	if tolerance <= 0 {
		tolerance = DefaultClockSkewTolerance
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictResolver{
		policy:    policy,
		tolerance: tolerance,
		logger:    logger.With(zap.String("component", "conflict_resolver")),
		now:       time.Now,
	}
}

// Policy returns a copy of the source-of-truth table
func (cr *ConflictResolver) Policy() SourceOfTruth {
	out := make(SourceOfTruth, len(cr.policy))
	for k, v := range cr.policy {
		out[k] = v
	}
	return out
}

// DetermineStrategy picks the strategy for one conflict
func (cr *ConflictResolver) DetermineStrategy(c *Conflict) Strategy {
	if side, ok := cr.policy[c.EntityType]; ok && (side == marketplace.SideLocal || side == marketplace.SideRemote) {
		return StrategyPriorityBased
	}
	if _, ok := merge(c.Local, c.Remote); ok {
		return StrategyMerge
	}
	if _, ok := cr.newer(c); ok {
		return StrategyAutomatic
	}
	return StrategyManualReview
}

// newer returns the side that wins last-writer-wins, if any. The remote side
// cannot win over a pending local edit of the same fields.
func (cr *ConflictResolver) newer(c *Conflict) (marketplace.Side, bool) {
	if !c.Local.HasTimestamp() || !c.Remote.HasTimestamp() {
		return "", false
	}
	diff := c.Local.UpdatedAt.Sub(c.Remote.UpdatedAt)
	switch {
	case diff > cr.tolerance:
		return marketplace.SideLocal, true
	case -diff > cr.tolerance:
		if c.Local.Pending && overlaps(c.Local.ChangedFields(), c.Remote.ChangedFields()) {
			return "", false
		}
		return marketplace.SideRemote, true
	}
	return "", false
}

// Resolve processes the pending conflicts of the list. Conflicts that are
// no longer pending are left untouched.
func (cr *ConflictResolver) Resolve(conflicts []*Conflict) ResolutionReport {
	report := ResolutionReport{Total: len(conflicts), Conflicts: conflicts}

	for _, c := range conflicts {
		if c.Status != ConflictPending && c.Status != "" {
			report.AlreadySettled++
			continue
		}
		cr.resolveOne(c)
		if c.Status == ConflictResolved {
			report.Newly = append(report.Newly, c)
		}
	}

	for _, c := range conflicts {
		switch c.Status {
		case ConflictResolved:
			report.Resolved++
		case ConflictManualReviewRequired:
			report.ManualReview++
		case ConflictFailed:
			report.Failed++
		}
	}
	if report.Total > 0 {
		report.ResolutionRate = float64(report.Resolved) / float64(report.Total)
	}
	report.ManualReviewRequired = report.Total-report.Resolved > 0
	return report
}

func (cr *ConflictResolver) resolveOne(c *Conflict) {
	now := cr.now()
	c.UpdatedAt = now

	if err := checkPayloads(c); err != nil {
		c.Status = ConflictFailed
		c.Reason = err.Error()
		cr.logger.Warn("conflict failed", zap.String("conflict_id", c.ID), zap.Error(err))
		return
	}

	c.Strategy = cr.DetermineStrategy(c)
	switch c.Strategy {
	case StrategyPriorityBased:
		winner := cr.policy[c.EntityType]
		cr.pick(c, winner, fmt.Sprintf("%s is the source of truth for %s", sideOwner(winner), c.EntityType), now)

	case StrategyMerge:
		fields, _ := merge(c.Local, c.Remote)
		data, err := marketplace.PayloadFromFields(c.EntityType, fields)
		if err != nil {
			c.Status = ConflictFailed
			c.Reason = fmt.Sprintf("merge produced an invalid payload: %v", err)
			return
		}
		c.Status = ConflictResolved
		c.Resolution = &Resolution{
			Data:       data,
			Winner:     marketplace.SideMerged,
			Reason:     "local and remote changed disjoint fields",
			ResolvedBy: "system",
			ResolvedAt: now,
		}

	case StrategyAutomatic:
		winner, _ := cr.newer(c)
		cr.pick(c, winner, fmt.Sprintf("%s version is newer by more than %s", winner, cr.tolerance), now)

	default:
		c.Status = ConflictManualReviewRequired
		c.Reason = ErrConflictUnresolvable.Error()
	}

	if c.Status == ConflictResolved {
		cr.logger.Debug("conflict resolved",
			zap.String("conflict_id", c.ID),
			zap.String("strategy", string(c.Strategy)),
			zap.String("winner", string(c.Resolution.Winner)))
	}
}

// pick resolves the conflict in favour of one side and keeps the loser for audit
func (cr *ConflictResolver) pick(c *Conflict, winner marketplace.Side, reason string, now time.Time) {
	win, lose := c.Remote, c.Local
	loser := marketplace.SideLocal
	if winner == marketplace.SideLocal {
		win, lose = c.Local, c.Remote
		loser = marketplace.SideRemote
	}
	if win.Data == nil {
		c.Status = ConflictFailed
		c.Reason = fmt.Sprintf("%s version has no data", winner)
		return
	}
	c.Status = ConflictResolved
	c.Resolution = &Resolution{
		Data:           win.Data,
		Winner:         winner,
		Superseded:     loser,
		SupersededData: lose.Data,
		Reason:         reason,
		ResolvedBy:     "system",
		ResolvedAt:     now,
	}
}

// ManualDecision is an operator's answer to a queued conflict. One of Side,
// Data or Fields must be set. Fields is the canonical field map of custom
// data, typed against the conflict's entity type.
type ManualDecision struct {
	Side   marketplace.Side       `json:"side,omitempty"`
	Data   marketplace.Payload    `json:"-"`
	Fields map[string]interface{} `json:"data,omitempty"`
}

// ResolveManually settles a pending or manual-review conflict by hand
func (cr *ConflictResolver) ResolveManually(c *Conflict, decision ManualDecision, resolvedBy string) error {
	if c.Status != ConflictPending && c.Status != ConflictManualReviewRequired {
		return fmt.Errorf("%w: %s is %s", ErrConflictSettled, c.ID, c.Status)
	}
	if resolvedBy == "" {
		resolvedBy = "operator"
	}
	now := cr.now()

	if decision.Data == nil && len(decision.Fields) > 0 {
		p, err := marketplace.PayloadFromFields(c.EntityType, decision.Fields)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
		}
		decision.Data = p
	}

	var resolution *Resolution
	switch {
	case decision.Data != nil:
		if decision.Data.EntityType() != c.EntityType {
			return fmt.Errorf("%w: resolved data is %s, conflict is %s", ErrInvalidDecision, decision.Data.EntityType(), c.EntityType)
		}
		resolution = &Resolution{Data: decision.Data, Winner: marketplace.SideMerged}
	case decision.Side == marketplace.SideLocal:
		resolution = &Resolution{Data: c.Local.Data, Winner: marketplace.SideLocal, Superseded: marketplace.SideRemote, SupersededData: c.Remote.Data}
	case decision.Side == marketplace.SideRemote:
		resolution = &Resolution{Data: c.Remote.Data, Winner: marketplace.SideRemote, Superseded: marketplace.SideLocal, SupersededData: c.Local.Data}
	default:
		return fmt.Errorf("%w: decision needs a side (local or remote) or data", ErrInvalidDecision)
	}
	if resolution.Data == nil {
		return fmt.Errorf("%w: %s version has no data", ErrInvalidDecision, resolution.Winner)
	}

	resolution.Reason = "resolved manually"
	resolution.ResolvedBy = resolvedBy
	resolution.ResolvedAt = now

	if c.Strategy == "" {
		c.Strategy = StrategyManualReview
	}
	c.Status = ConflictResolved
	c.Resolution = resolution
	c.Reason = ""
	c.UpdatedAt = now
	return nil
}

// merge builds the field-level union of both versions. It fails when a
// field edited by both sides carries different values.
func merge(local, remote marketplace.Version) (map[string]interface{}, bool) {
	if local.Data == nil || remote.Data == nil {
		return nil, false
	}
	lc := toSet(local.ChangedFields())
	rc := toSet(remote.ChangedFields())
	lf := marketplace.FieldsWith(local.Data, local.Changed)
	rf := marketplace.FieldsWith(remote.Data, remote.Changed)

	for field := range lc {
		if !rc[field] {
			continue
		}
		if !marketplace.SameValue(lf[field], rf[field]) {
			return nil, false
		}
	}

	out := make(map[string]interface{}, len(lf)+len(rf))
	for k, v := range rf {
		out[k] = v
	}
	for k, v := range lf {
		if rc[k] && !lc[k] {
			continue
		}
		out[k] = v
	}
	return out, true
}

func checkPayloads(c *Conflict) error {
	if c.Local.Data == nil && c.Remote.Data == nil {
		return fmt.Errorf("both versions are empty")
	}
	for side, v := range map[marketplace.Side]marketplace.Version{marketplace.SideLocal: c.Local, marketplace.SideRemote: c.Remote} {
		if v.Data != nil && v.Data.EntityType() != c.EntityType {
			return fmt.Errorf("%s version is a %s, conflict is a %s", side, v.Data.EntityType(), c.EntityType)
		}
	}
	return nil
}

func overlaps(a, b []string) bool {
	set := toSet(a)
	for _, f := range b {
		if set[f] {
			return true
		}
	}
	return false
}

func toSet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func sideOwner(s marketplace.Side) string {
	if s == marketplace.SideRemote {
		return "marketplace"
	}
	return "store"
}
