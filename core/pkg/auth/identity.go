// Package auth verifies producer identities and enforces multi-tenant
// publish and consume rules.
//
// Identities are minted by an external identity layer; this package only
// verifies their HMAC signature and treats each identity as an immutable
// capability until it expires.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Role classifies a producer identity.
type Role string

const (
	RoleService Role = "service"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
	RoleUser    Role = "user"
)

// ProducerIdentity is one externally minted capability.
type ProducerIdentity struct {
	ProducerID  string
	TenantID    string
	Role        Role
	ServiceName string
	UserID      string

	// Permissions hold "publish:<topic>" / "consume:<topic>" grants.
	// "<prefix>.*" wildcards match any topic under the prefix. An empty set
	// means no permission check (role and tenant rules still apply).
	Permissions []string

	ExpiresAt *time.Time
}

// Expired reports whether the identity's lifetime has passed.
func (id *ProducerIdentity) Expired(now time.Time) bool {
	return id.ExpiresAt != nil && !id.ExpiresAt.After(now)
}

// HasPermission checks one "action:topic" grant against the permission set,
// honoring "<prefix>.*" wildcards on the topic part.
func (id *ProducerIdentity) HasPermission(perm string) bool {
	action, topic, ok := strings.Cut(perm, ":")
	if !ok {
		return false
	}
	for _, grant := range id.Permissions {
		grantAction, grantTopic, ok := strings.Cut(grant, ":")
		if !ok || grantAction != action {
			continue
		}
		if matchTopic(grantTopic, topic) {
			return true
		}
	}
	return false
}

// matchTopic matches a topic against a pattern that is either exact or a
// "<prefix>.*" wildcard.
func matchTopic(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return topic == prefix || strings.HasPrefix(topic, prefix+".")
	}
	return pattern == topic
}

// Canonical builds the signed form of the identity: key=value pairs with
// sorted keys, ampersand-joined. Permissions are sorted so the signature is
// independent of their order.
func (id *ProducerIdentity) Canonical(timestamp time.Time) string {
	perms := make([]string, len(id.Permissions))
	copy(perms, id.Permissions)
	sort.Strings(perms)

	expires := ""
	if id.ExpiresAt != nil {
		expires = id.ExpiresAt.UTC().Format(time.RFC3339)
	}

	pairs := map[string]string{
		"expires_at":   expires,
		"permissions":  strings.Join(perms, ","),
		"producer_id":  id.ProducerID,
		"role":         string(id.Role),
		"service_name": id.ServiceName,
		"tenant_id":    id.TenantID,
		"timestamp":    timestamp.UTC().Format(time.RFC3339),
		"user_id":      id.UserID,
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+pairs[k])
	}
	return strings.Join(parts, "&")
}

// Sign computes the hex HMAC-SHA256 signature of the canonical form.
func (id *ProducerIdentity) Sign(secret []byte, timestamp time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id.Canonical(timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func (id *ProducerIdentity) Verify(secret []byte, timestamp time.Time, signature string) bool {
	want := id.Sign(secret, timestamp)
	return hmac.Equal([]byte(want), []byte(signature))
}
