package dirsync

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IdentityResolver turns service credentials into a bearer token and raw
// member identifiers into full profiles.
type IdentityResolver interface {
	AcquireToken(ctx context.Context) (string, error)
	ResolveUser(ctx context.Context, token string, memberID string) (*DirectoryUser, error)
}

// RegionalDirectory is one org's view of the external directory across its
// regional deployments.
type RegionalDirectory interface {
	ListUsers(ctx context.Context, region Region) ([]RegionalAccount, error)
	CreateUser(ctx context.Context, region Region, account RegionalAccount) error
	DeleteUser(ctx context.Context, region Region, email string) error
}

// pipelineState names the stages one notification moves through. Rejected
// and failed are terminal; per-user errors never reach them.
type pipelineState int

const (
	stateValidating pipelineState = iota
	stateTokenAcquisition
	statePartitioning
	stateProcessingRemovals
	stateProcessingAdditions
	stateCompleted
	stateRejected
	stateFailed
)

func (s pipelineState) String() string {
	switch s {
	case stateValidating:
		return "validating"
	case stateTokenAcquisition:
		return "token-acquisition"
	case statePartitioning:
		return "partitioning"
	case stateProcessingRemovals:
		return "processing-removals"
	case stateProcessingAdditions:
		return "processing-additions"
	case stateCompleted:
		return "completed"
	case stateRejected:
		return "rejected"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// regionFanout bounds concurrent directory calls per member so a wide
// region list cannot flood the external API.
const regionFanout = 4

// Engine reconciles a group-membership delta against every configured
// region of the external directory.
//
// Failure handling is split by blast radius: anything that would prevent a
// trustworthy baseline (client state, token acquisition) aborts the whole
// notification; anything scoped to one member or one (member, region) cell
// is logged, recorded in the SyncStat and skipped.
type Engine struct {
	clientState string
	regions     []Region
	resolver    IdentityResolver
	directory   RegionalDirectory
	log         *zap.Logger
}

// NewEngine wires an Engine from an explicit Config and its collaborators.
func NewEngine(cfg Config, resolver IdentityResolver, directory RegionalDirectory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	var regions = cfg.Regions
	if len(regions) == 0 {
		regions = AllRegions()
	}
	return &Engine{
		clientState: cfg.ClientState,
		regions:     regions,
		resolver:    resolver,
		directory:   directory,
		log:         logger,
	}
}

// ProcessNotification drives one notification through the pipeline.
//
// The returned error is nil unless the notification as a whole was
// rejected (ErrClientStateMismatch) or failed before any member could be
// processed (CredentialError). Per-member and per-region failures are
// reported only through the SyncStat and the log.
func (e *Engine) ProcessNotification(ctx context.Context, n *ChangeNotification) (stat *SyncStat, err error) {
	var st = stateValidating
	if n.ClientState != e.clientState {
		st = stateRejected
		e.log.Warn("notification rejected", zap.String("state", st.String()))
		err = ErrClientStateMismatch
		return
	}

	stat = new(SyncStat)
	if len(n.MemberDelta) == 0 {
		e.log.Info("empty membership delta, nothing to reconcile",
			zap.String("resource_id", n.ResourceID))
		return
	}

	st = stateTokenAcquisition
	e.log.Debug("pipeline state", zap.String("state", st.String()))
	var token string
	if token, err = e.resolver.AcquireToken(ctx); err != nil {
		st = stateFailed
		e.log.Error("token acquisition failed", zap.String("state", st.String()), zap.Error(err))
		stat = nil
		return
	}

	st = statePartitioning
	e.log.Debug("pipeline state", zap.String("state", st.String()))
	var removed = NewSet[string]()
	var added = NewSet[string]()
	for _, entry := range n.MemberDelta {
		if entry.Removed {
			removed.Add(entry.MemberID)
		} else {
			added.Add(entry.MemberID)
		}
	}
	e.log.Info("partitioned membership delta",
		zap.String("resource_id", n.ResourceID),
		zap.Int("removed", len(removed)),
		zap.Int("added", len(added)))

	// Removals run to completion before any addition starts. A member the
	// provider coalesced as removed-then-re-added is deleted and recreated
	// rather than left stale.
	st = stateProcessingRemovals
	e.log.Debug("pipeline state", zap.String("state", st.String()))
	e.processMembers(ctx, token, removed.ToArray(), true, stat)

	st = stateProcessingAdditions
	e.log.Debug("pipeline state", zap.String("state", st.String()))
	e.processMembers(ctx, token, added.ToArray(), false, stat)

	st = stateCompleted
	e.log.Info("notification processed",
		zap.String("state", st.String()),
		zap.String("resource_id", n.ResourceID),
		zap.Int("succeeded", len(stat.Succeeded)),
		zap.Int("failed", len(stat.Failed)),
		zap.Int("skipped", len(stat.Skipped)))
	return
}

func (e *Engine) processMembers(ctx context.Context, token string, memberIDs []string, remove bool, stat *SyncStat) {
	for _, memberID := range memberIDs {
		var user, err = e.resolver.ResolveUser(ctx, token, memberID)
		if err != nil {
			e.log.Warn("skipping member, identity lookup failed",
				zap.String("member_id", memberID),
				zap.Error(err))
			stat.Skipped = append(stat.Skipped, memberID)
			continue
		}
		for _, outcome := range e.reconcileUser(ctx, user, remove) {
			stat.record(outcome)
			if outcome.Kind == OutcomeFailed {
				e.log.Warn("reconciliation cell failed",
					zap.String("email", outcome.Email),
					zap.String("region", string(outcome.Region)),
					zap.Error(outcome.Err))
			} else {
				e.log.Info("reconciled",
					zap.String("email", outcome.Email),
					zap.String("region", string(outcome.Region)),
					zap.String("outcome", outcome.Kind.String()))
			}
		}
	}
}

// reconcileUser fans one member out across every configured region. A
// failure in one region never cancels the others: each goroutine records
// its outcome into its own slot and always returns nil.
func (e *Engine) reconcileUser(ctx context.Context, user *DirectoryUser, remove bool) []SyncOutcome {
	var outcomes = make([]SyncOutcome, len(e.regions))
	var g errgroup.Group
	g.SetLimit(regionFanout)
	for i, region := range e.regions {
		var i, region = i, region
		g.Go(func() error {
			outcomes[i] = e.reconcileRegion(ctx, region, user, remove)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// reconcileRegion performs the list-then-correct step for one (member,
// region) cell. The fresh listing is the only existence evidence the
// engine ever acts on.
func (e *Engine) reconcileRegion(ctx context.Context, region Region, user *DirectoryUser, remove bool) (outcome SyncOutcome) {
	var email = user.UserPrincipalName
	outcome = SyncOutcome{Email: email, Region: region}

	var accounts, err = e.directory.ListUsers(ctx, region)
	if err != nil {
		outcome.Kind = OutcomeFailed
		outcome.Err = err
		return
	}
	var present bool
	for _, account := range accounts {
		if strings.EqualFold(account.PrimaryEmail, email) {
			present = true
			break
		}
	}

	if remove {
		if !present {
			outcome.Kind = OutcomeAlreadyAbsent
			return
		}
		if err = e.directory.DeleteUser(ctx, region, email); err != nil {
			outcome.Kind = OutcomeFailed
			outcome.Err = err
			return
		}
		outcome.Kind = OutcomeDeleted
		return
	}

	if present {
		outcome.Kind = OutcomeAlreadyPresent
		return
	}
	err = e.directory.CreateUser(ctx, region, RegionalAccount{
		Firstname:    user.GivenName,
		Surname:      user.Surname,
		PrimaryEmail: email,
		Type:         AccountTypeChannelAdmin,
	})
	if err != nil {
		outcome.Kind = OutcomeFailed
		outcome.Err = err
		return
	}
	outcome.Kind = OutcomeCreated
	return
}
