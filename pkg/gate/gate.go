// Package gate is the fail-closed authorization boundary. A gate evaluates a
// declarative requirement against the subject's claims snapshot and yields
// allow or deny; a missing snapshot always denies.
package gate

import (
	"context"
	"strings"
)

const (
	ReasonAllow           = "GATE_ALLOW"
	ReasonSnapshotMissing = "GATE_SNAPSHOT_MISSING"
	ReasonRole            = "GATE_ROLE_DENY"
	ReasonPermission      = "GATE_PERMISSION_DENY"
	ReasonTier            = "GATE_TIER_DENY"
	ReasonFlag            = "GATE_FLAG_DENY"
)

// Tier is the subscription plan level, ordered. An unrecognized tier ranks
// below every requirement.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierFree:       0,
	TierStarter:    1,
	TierBusiness:   2,
	TierEnterprise: 3,
}

// Subject is the claims snapshot gates read. It is never mutated by the
// gating layer and is recomputed by the session source on its own cadence.
type Subject struct {
	ID          string
	Tenant      string
	Roles       []string
	Permissions []string
	Tier        Tier
	Flags       map[string]bool
}

// Requirement describes what a gate demands. All fields are optional;
// absence of all means always allow. AnyRole and AnyPermission use OR
// semantics: one match suffices.
type Requirement struct {
	AnyRole       []string
	AnyPermission []string
	Tier          Tier
	Flag          string
}

type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate computes the access decision. A nil subject denies: the snapshot
// not being loaded yet is never read as allow.
func Evaluate(subject *Subject, req Requirement) Decision {
	if subject == nil {
		return Decision{Allowed: false, Reason: ReasonSnapshotMissing}
	}
	if len(req.AnyRole) > 0 && !matchAny(subject.Roles, req.AnyRole) {
		return Decision{Allowed: false, Reason: ReasonRole}
	}
	if len(req.AnyPermission) > 0 && !matchAny(subject.Permissions, req.AnyPermission) {
		return Decision{Allowed: false, Reason: ReasonPermission}
	}
	if req.Tier != "" && !tierAtLeast(subject.Tier, req.Tier) {
		return Decision{Allowed: false, Reason: ReasonTier}
	}
	if req.Flag != "" && !subject.Flags[req.Flag] {
		return Decision{Allowed: false, Reason: ReasonFlag}
	}
	return Decision{Allowed: true, Reason: ReasonAllow}
}

func matchAny(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[strings.ToLower(strings.TrimSpace(w))]; ok {
			return true
		}
	}
	return false
}

func tierAtLeast(have, want Tier) bool {
	haveRank, ok := tierRank[Tier(strings.ToLower(strings.TrimSpace(string(have))))]
	if !ok {
		return false
	}
	wantRank, ok := tierRank[want]
	if !ok {
		return false
	}
	return haveRank >= wantRank
}

type contextKey string

const subjectContextKey contextKey = "fingate.subject"

func WithSubject(ctx context.Context, s *Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey, s)
}

// SubjectFromContext returns nil when no snapshot has been resolved, which
// every gate treats as deny.
func SubjectFromContext(ctx context.Context) *Subject {
	v := ctx.Value(subjectContextKey)
	if v == nil {
		return nil
	}
	s, ok := v.(*Subject)
	if !ok {
		return nil
	}
	return s
}
