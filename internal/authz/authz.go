// Package authz decides whether a user may access a bucket
package authz

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/logging"
	"github.com/einyx/bucket-access-portal/internal/metrics"
	"github.com/einyx/bucket-access-portal/internal/opa"
)

// Rule names reported in decisions
const (
	RuleAdmin  = "admin"
	RuleGrant  = "grant"
	RuleGroups = "groups"
	RulePolicy = "policy"
	RuleNone   = "none"
)

// EnvUnknown is the environment of a bucket whose name carries no marker
const EnvUnknown = "unknown"

// environment markers in match order
var environments = []string{"dev", "prod", "test", "staging"}

// DefaultEnvironmentGroups lists the groups allowed on each environment
var DefaultEnvironmentGroups = map[string][]string{
	"dev":     {"developers", "dev-team"},
	"prod":    {"admin", "production-team"},
	"test":    {"qa-team", "testers", "developers"},
	"staging": {"developers", "qa-team"},
}

// Decision is the outcome of an access check. Rule names the rule that
// allowed access, or RuleNone on denial.
type Decision struct {
	Allowed bool                 `json:"allowed"`
	Rule    string               `json:"rule"`
	Reason  string               `json:"reason,omitempty"`
	Level   database.AccessLevel `json:"level,omitempty"`
}

// Policy is an external allow rule
type Policy interface {
	Evaluate(ctx context.Context, input opa.Input) (bool, error)
}

// PermissionLister lists a user's grants joined with their buckets
type PermissionLister interface {
	PermissionsForUser(ctx context.Context, userID int64) ([]database.PermissionWithBucket, error)
}

// Options configures an Engine
type Options struct {
	EnvironmentGroups map[string][]string
	EnforceExpiry     bool
	Policy            Policy
	Metrics           *metrics.Metrics
	Audit             *logging.SecurityAuditLogger
}

// Engine evaluates the admin, grant and group rules, plus an optional policy rule
type Engine struct {
	perms         PermissionLister
	envGroups     map[string][]string
	enforceExpiry bool
	policy        Policy
	metrics       *metrics.Metrics
	audit         *logging.SecurityAuditLogger
	now           func() time.Time
}

// NewEngine creates a decision engine. A nil or empty EnvironmentGroups uses
// DefaultEnvironmentGroups.
func NewEngine(perms PermissionLister, opts Options) *Engine {
	envGroups := opts.EnvironmentGroups
	if len(envGroups) == 0 {
		envGroups = DefaultEnvironmentGroups
	}
	return &Engine{
		perms:         perms,
		envGroups:     envGroups,
		enforceExpiry: opts.EnforceExpiry,
		policy:        opts.Policy,
		metrics:       opts.Metrics,
		audit:         opts.Audit,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// InferEnvironment derives a bucket's environment from markers in its name
// such as "app-prod-logs" or "app-dev"
func InferEnvironment(bucketName string) string {
	name := strings.ToLower(bucketName)
	for _, env := range environments {
		if strings.Contains(name, "-"+env+"-") || strings.HasSuffix(name, "-"+env) {
			return env
		}
	}
	return EnvUnknown
}

// AllowedGroups returns the groups granted access to environment env
func (e *Engine) AllowedGroups(env string) []string {
	return e.envGroups[env]
}

// CanAccessBucket decides whether user may list bucketName. Denials are
// counted and written to the audit log.
func (e *Engine) CanAccessBucket(ctx context.Context, user *database.User, bucketName string) (Decision, error) {
	if user == nil {
		return Decision{}, apperr.Unauthenticated("no user", nil)
	}

	perms, err := e.grants(ctx, user)
	if err != nil {
		return Decision{}, err
	}
	decision := e.evaluate(ctx, user, bucketName, perms)

	e.metrics.RecordDecision(decision.Rule, decision.Allowed)
	fields := logrus.Fields{
		"user_id": user.ID,
		"bucket":  bucketName,
		"rule":    decision.Rule,
		"allowed": decision.Allowed,
	}
	if decision.Allowed {
		logrus.WithFields(fields).Debug("Bucket access allowed")
	} else {
		logrus.WithFields(fields).Info("Bucket access denied")
		e.audit.LogAccessDenied(userKey(user), bucketName, "list_objects", decision.Reason)
	}
	return decision, nil
}

// Accessible evaluates every bucket for user with a single grant lookup.
// It is used for listings and records nothing.
func (e *Engine) Accessible(ctx context.Context, user *database.User, buckets []database.Bucket) (map[int64]Decision, error) {
	if user == nil {
		return nil, apperr.Unauthenticated("no user", nil)
	}

	perms, err := e.grants(ctx, user)
	if err != nil {
		return nil, err
	}
	decisions := make(map[int64]Decision, len(buckets))
	for _, b := range buckets {
		decisions[b.ID] = e.evaluate(ctx, user, b.Name, perms)
	}
	return decisions, nil
}

// GrantLevel returns the strongest active explicit grant userID holds on
// bucketName, or "" when there is none
func (e *Engine) GrantLevel(ctx context.Context, userID int64, bucketName string) (database.AccessLevel, error) {
	perms, err := e.perms.PermissionsForUser(ctx, userID)
	if err != nil {
		return "", apperr.Collaborator("permission lookup", err)
	}
	return e.strongestGrant(perms, bucketName), nil
}

func (e *Engine) grants(ctx context.Context, user *database.User) ([]database.PermissionWithBucket, error) {
	if user.IsAdmin() {
		return nil, nil
	}
	perms, err := e.perms.PermissionsForUser(ctx, user.ID)
	if err != nil {
		return nil, apperr.Collaborator("permission lookup", err)
	}
	return perms, nil
}

func (e *Engine) evaluate(ctx context.Context, user *database.User, bucketName string, perms []database.PermissionWithBucket) Decision {
	if user.IsAdmin() {
		return Decision{Allowed: true, Rule: RuleAdmin, Level: database.AccessAdmin}
	}

	if level := e.strongestGrant(perms, bucketName); level != "" {
		return Decision{Allowed: true, Rule: RuleGrant, Level: level}
	}

	env := InferEnvironment(bucketName)
	if intersects(user.Groups, e.envGroups[env]) {
		return Decision{Allowed: true, Rule: RuleGroups, Level: database.AccessRead}
	}

	if e.policy != nil {
		allowed, err := e.policy.Evaluate(ctx, opa.Input{
			User: opa.User{
				ID:       user.ID,
				Username: user.Username,
				Role:     string(user.Role),
				Groups:   user.Groups,
			},
			Action: "bucket:list",
			Resource: opa.Resource{
				Type:        "bucket",
				Bucket:      bucketName,
				Environment: env,
			},
		})
		if err != nil {
			logrus.WithError(err).WithField("bucket", bucketName).Warn("Policy evaluation failed, rule skipped")
		} else if allowed {
			return Decision{Allowed: true, Rule: RulePolicy, Level: database.AccessRead}
		}
	}

	return Decision{
		Allowed: false,
		Rule:    RuleNone,
		Reason:  "no active grant and no group access for environment " + env,
	}
}

func (e *Engine) strongestGrant(perms []database.PermissionWithBucket, bucketName string) database.AccessLevel {
	now := e.now()
	var best database.AccessLevel
	for i := range perms {
		p := &perms[i]
		if p.Bucket.Name != bucketName {
			continue
		}
		if e.enforceExpiry && !p.ActiveAt(now) {
			continue
		}
		if p.AccessLevel.Rank() > best.Rank() {
			best = p.AccessLevel
		}
	}
	return best
}

func intersects(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func userKey(u *database.User) string {
	if u.Username != "" {
		return u.Username
	}
	return u.CognitoID
}
