package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

// ResolvedStep is one applicable rule: a step number and its responsible party.
type ResolvedStep struct {
	Step         int
	RuleID       string
	ApprovalRole string
	Target       repository.ApprovalTarget
}

// RuleResolver selects the rules that apply to an artifact.
type RuleResolver struct {
	rules RulesStore
}

// NewRuleResolver creates a new RuleResolver.
func NewRuleResolver(rules RulesStore) *RuleResolver {
	return &RuleResolver{rules: rules}
}

// Resolve returns the active rules of the organisation and artifact type
// whose [min, max) band contains amount, ordered by step then min_amount.
// An empty result means no approval is required.
func (r *RuleResolver) Resolve(ctx context.Context, organisationID, artifactType string, amount int64) ([]ResolvedStep, error) {
	if err := validateArtifactType(artifactType); err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, errors.InvalidInput("amount", "must not be negative")
	}

	rules, err := r.rules.ListActiveForResolution(ctx, organisationID, artifactType)
	if err != nil {
		return nil, err
	}

	matched := make([]*repository.ApprovalRule, 0, len(rules))
	for _, rule := range rules {
		if rule.IsActive && rule.Contains(amount) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Step != matched[j].Step {
			return matched[i].Step < matched[j].Step
		}
		if matched[i].MinAmount != matched[j].MinAmount {
			return matched[i].MinAmount < matched[j].MinAmount
		}
		return matched[i].ID < matched[j].ID
	})

	steps := make([]ResolvedStep, 0, len(matched))
	for _, rule := range matched {
		target, err := rule.Target()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "approval rule has an invalid target")
		}
		steps = append(steps, ResolvedStep{
			Step:         rule.Step,
			RuleID:       rule.ID,
			ApprovalRole: rule.ApprovalRole,
			Target:       target,
		})
	}
	return steps, nil
}

func validateArtifactType(artifactType string) error {
	if repository.IsAllowedArtifactType(artifactType) {
		return nil
	}
	return errors.PolicyViolation(
		"unsupported artifact type "+artifactType+"; allowed: "+errors.JoinAllowed(repository.AllowedArtifactTypes),
		map[string]string{"artifact_type": artifactType},
	)
}
