package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// TenantPolicy scopes one tenant to a topic allow/deny list. Patterns accept
// "<prefix>.*" wildcards. An empty allow list allows everything not denied.
type TenantPolicy struct {
	Allow []string
	Deny  []string
}

// Config for the authorizer.
type Config struct {
	// Secret is the HMAC key shared with the identity layer.
	Secret []byte

	// CrossTenantAllowed lets system-role identities publish into foreign
	// tenants.
	CrossTenantAllowed bool

	// TenantPolicies maps tenant IDs to topic policies.
	TenantPolicies map[string]TenantPolicy

	// ReplayGuard, when set, refuses byte-identical envelopes inside
	// ReplayWindow.
	ReplayGuard  contracts.ReplayGuard
	ReplayWindow time.Duration

	Logger  contracts.Logger
	Metrics contracts.Metrics
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ReplayWindow: time.Hour,
		Logger:       contracts.NopLogger{},
	}
}

// Authorizer enforces signature, tenancy, topic and replay rules.
type Authorizer struct {
	cfg *Config
	log contracts.Logger
}

// NewAuthorizer wires an authorizer.
func NewAuthorizer(cfg *Config) *Authorizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = contracts.NopLogger{}
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = time.Hour
	}
	return &Authorizer{cfg: cfg, log: cfg.Logger.Named("auth")}
}

// VerifySignature recomputes the identity signature and compares in constant
// time.
func (a *Authorizer) VerifySignature(id *ProducerIdentity, timestamp time.Time, signature string) error {
	if id == nil {
		return &contracts.AuthError{Reason: "identity required"}
	}
	if !id.Verify(a.cfg.Secret, timestamp, signature) {
		a.log.Warn("signature verification failed", "producer_id", id.ProducerID)
		return &contracts.AuthError{Reason: "invalid signature"}
	}
	return nil
}

// AuthorizePublish checks one envelope against the publish rules in order:
// identity lifetime, tenant isolation, topic role policy, tenant topic
// policy, explicit permissions, then the replay window.
func (a *Authorizer) AuthorizePublish(ctx context.Context, id *ProducerIdentity, env *envelope.Envelope) error {
	if id == nil {
		return &contracts.AuthError{Reason: "identity required"}
	}
	if env == nil {
		return &contracts.ValidationError{Field: "envelope", Reason: "required"}
	}
	if id.Expired(time.Now().UTC()) {
		return &contracts.AuthError{Reason: "identity expired"}
	}
	if err := a.checkTenant(id, env.TenantID); err != nil {
		return err
	}
	topic := env.BaseType()
	if err := a.checkTopicRole(id, topic); err != nil {
		return err
	}
	if err := a.checkTenantPolicy(env.TenantID, topic); err != nil {
		return err
	}
	if len(id.Permissions) > 0 && !id.HasPermission("publish:"+topic) {
		return &contracts.AuthError{Reason: "permission denied for topic " + topic}
	}
	return a.checkReplay(ctx, id, env)
}

// AuthorizeConsume applies the same tenancy, role and policy rules against
// consume permissions. topic may carry the "tenant-<id>." prefix.
func (a *Authorizer) AuthorizeConsume(ctx context.Context, id *ProducerIdentity, tenantID, topic string) error {
	if id == nil {
		return &contracts.AuthError{Reason: "identity required"}
	}
	if id.Expired(time.Now().UTC()) {
		return &contracts.AuthError{Reason: "identity expired"}
	}
	if err := a.checkTenant(id, tenantID); err != nil {
		return err
	}
	base := stripTenantPrefix(topic)
	if err := a.checkTopicRole(id, base); err != nil {
		return err
	}
	if err := a.checkTenantPolicy(tenantID, base); err != nil {
		return err
	}
	if len(id.Permissions) > 0 && !id.HasPermission("consume:"+base) {
		return &contracts.AuthError{Reason: "permission denied for topic " + base}
	}
	return nil
}

func (a *Authorizer) checkTenant(id *ProducerIdentity, tenantID string) error {
	if id.TenantID == tenantID {
		return nil
	}
	if id.Role == RoleSystem && a.cfg.CrossTenantAllowed {
		return nil
	}
	a.log.Warn("tenant isolation violation",
		"producer_id", id.ProducerID, "identity_tenant", id.TenantID, "envelope_tenant", tenantID)
	return &contracts.AuthError{Reason: "tenant violation"}
}

// checkTopicRole enforces the per-prefix role policy. Prefixes without a
// policy are open to any role.
func (a *Authorizer) checkTopicRole(id *ProducerIdentity, topic string) error {
	var allowed []Role
	switch {
	case strings.HasPrefix(topic, "svc."):
		allowed = []Role{RoleService, RoleAdmin, RoleSystem}
	case strings.HasPrefix(topic, "admin."):
		allowed = []Role{RoleAdmin}
	case strings.HasPrefix(topic, "system."):
		allowed = []Role{RoleAdmin, RoleSystem}
	default:
		return nil
	}
	for _, r := range allowed {
		if id.Role == r {
			return nil
		}
	}
	return &contracts.AuthError{Reason: "role " + string(id.Role) + " denied for topic " + topic}
}

func (a *Authorizer) checkTenantPolicy(tenantID, topic string) error {
	policy, ok := a.cfg.TenantPolicies[tenantID]
	if !ok {
		return nil
	}
	for _, pattern := range policy.Deny {
		if matchTopic(pattern, topic) {
			return &contracts.AuthError{Reason: "topic " + topic + " denied for tenant"}
		}
	}
	if len(policy.Allow) == 0 {
		return nil
	}
	for _, pattern := range policy.Allow {
		if matchTopic(pattern, topic) {
			return nil
		}
	}
	return &contracts.AuthError{Reason: "topic " + topic + " not allowed for tenant"}
}

func (a *Authorizer) checkReplay(ctx context.Context, id *ProducerIdentity, env *envelope.Envelope) error {
	if a.cfg.ReplayGuard == nil {
		return nil
	}
	fresh, err := a.cfg.ReplayGuard.Check(ctx, Fingerprint(env, id.ProducerID), a.cfg.ReplayWindow)
	if err != nil {
		// Guard outage fails open, mirroring the dedupe store.
		a.log.Warn("replay guard unreachable, failing open",
			"envelope_id", env.ID, "error", err)
		return nil
	}
	if !fresh {
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.Counter(contracts.MetricReplayRefusedTotal).Inc()
		}
		return &contracts.AuthError{Reason: "replay"}
	}
	return nil
}

// Fingerprint identifies one (envelope, producer) publish for the replay
// window.
func Fingerprint(env *envelope.Envelope, producerID string) string {
	sum := sha256.Sum256([]byte(
		env.ID + ":" + env.TenantID + ":" + producerID + ":" + env.OccurredAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

func stripTenantPrefix(topic string) string {
	if rest, ok := strings.CutPrefix(topic, "tenant-"); ok {
		if _, base, found := strings.Cut(rest, "."); found {
			return base
		}
	}
	return topic
}
