package engine

import (
	"time"

	"github.com/fluxwork/yawl/common/config"
	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/spec"
)

// Selection reasons surfaced with every case query.
const (
	ReasonNoProfile         = "no-execution-profile"
	ReasonPreferredStateful = "profile-prefers-stateful"
	ReasonCompositeTasks    = "composite-tasks-require-stateful"
	ReasonTimerThreshold    = "timer-exceeds-stateless-threshold"
	ReasonStatelessFallback = "stateless-unavailable-fallback"
	ReasonStateless         = "profile-prefers-stateless"
	ReasonDefault           = "engine-default"
	ReasonAdminOverride     = "engine-admin-override"
	RoleEngineAdmin         = "engine-admin"
)

// Selection is the routing decision for one launch.
type Selection struct {
	Engine config.EngineKind
	Reason string
}

// Selector routes case launches to an engine variant based on the
// specification's execution profile and runtime availability.
type Selector struct {
	cfg config.EngineConfig
	log *logger.Logger

	// statelessUp reports runtime availability of the stateless
	// variant; nil means always available when enabled.
	statelessUp func() bool
}

// NewSelector creates a selector
func NewSelector(cfg config.EngineConfig, log *logger.Logger, statelessUp func() bool) *Selector {
	return &Selector{cfg: cfg, log: log, statelessUp: statelessUp}
}

// Choose decides the engine for a launch. An override is honoured only
// for the engine-admin role and when overrides are enabled; overrides
// are audit-logged.
func (s *Selector) Choose(sp *spec.Specification, override config.EngineKind, role string) (Selection, error) {
	if override != "" {
		if !s.cfg.OverrideAllowed || role != RoleEngineAdmin {
			return Selection{}, enginerr.Newf(enginerr.KindPreconditionViolated,
				"engine override requires the %s role and OVERRIDE_ALLOWED", RoleEngineAdmin)
		}
		if override == config.EngineStateless {
			if err := s.statelessViable(sp); err != nil {
				return Selection{}, err
			}
		}
		s.log.Warn("engine override applied",
			"spec", sp.ID.String(), "engine", string(override), "role", role)
		return Selection{Engine: override, Reason: ReasonAdminOverride}, nil
	}

	if sp.Profile == nil {
		return Selection{Engine: config.EngineStateful, Reason: ReasonNoProfile}, nil
	}

	switch config.EngineKind(sp.Profile.Preferred) {
	case config.EngineStateless:
		return s.chooseStateless(sp)
	case config.EngineStateful:
		return Selection{Engine: config.EngineStateful, Reason: ReasonPreferredStateful}, nil
	default:
		return Selection{Engine: s.cfg.Default, Reason: ReasonDefault}, nil
	}
}

func (s *Selector) chooseStateless(sp *spec.Specification) (Selection, error) {
	if sp.HasHumanTasks() && !sp.Profile.AllowHumanTasks {
		return Selection{}, enginerr.Newf(enginerr.KindRoutingRejected,
			"specification %s declares human tasks disallowed under stateless", sp.ID)
	}

	// Sub-case custody needs the stateful engine's store
	if sp.HasCompositeTasks() {
		return Selection{Engine: config.EngineStateful, Reason: ReasonCompositeTasks}, nil
	}

	if sp.LongestTimer() > s.statelessMaxDuration(sp) {
		return Selection{Engine: config.EngineStateful, Reason: ReasonTimerThreshold}, nil
	}

	if !s.statelessAvailable() {
		if sp.Profile.FallbackToStateful {
			s.log.Warn("stateless runtime unavailable, falling back to stateful", "spec", sp.ID.String())
			return Selection{Engine: config.EngineStateful, Reason: ReasonStatelessFallback}, nil
		}
		return Selection{}, enginerr.Newf(enginerr.KindServiceUnavailable,
			"stateless runtime unavailable for specification %s", sp.ID)
	}

	return Selection{Engine: config.EngineStateless, Reason: ReasonStateless}, nil
}

// statelessViable checks the hard constraints an admin override cannot
// bypass.
func (s *Selector) statelessViable(sp *spec.Specification) error {
	if sp.HasHumanTasks() && (sp.Profile == nil || !sp.Profile.AllowHumanTasks) {
		return enginerr.Newf(enginerr.KindRoutingRejected,
			"specification %s declares human tasks disallowed under stateless", sp.ID)
	}
	if sp.HasCompositeTasks() {
		return enginerr.Newf(enginerr.KindRoutingRejected,
			"specification %s declares composite tasks, which require the stateful engine", sp.ID)
	}
	if !s.statelessAvailable() {
		return enginerr.Newf(enginerr.KindServiceUnavailable,
			"stateless runtime unavailable for specification %s", sp.ID)
	}
	return nil
}

func (s *Selector) statelessAvailable() bool {
	if !s.cfg.StatelessEnabled {
		return false
	}
	if s.statelessUp != nil {
		return s.statelessUp()
	}
	return true
}

func (s *Selector) statelessMaxDuration(sp *spec.Specification) time.Duration {
	limit := s.cfg.StatelessMaxDuration
	if sp.Profile != nil && sp.Profile.MaxDuration > 0 && sp.Profile.MaxDuration < limit {
		limit = sp.Profile.MaxDuration
	}
	return limit
}
