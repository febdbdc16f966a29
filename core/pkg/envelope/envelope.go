// Package envelope defines the canonical event record and its invariants:
// the dotted type grammar, tenant-namespaced topic naming, partition-key
// extraction and the cross-language stable partitioner.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current envelope-schema version, independent from the
// event type version.
const SchemaVersion = "1"

// typePattern matches <domain>.<entity>.<event>.v<version> with lowercase
// alphanumeric/underscore segments and a positive integer version.
var typePattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+(\.[a-z0-9_]+)*\.v[1-9][0-9]*$`)

// exemptPrefixes lists event-type prefixes that do not require a partition
// key in data.
var exemptPrefixes = []string{"system.", "admin.", "health."}

// partitionKeyFields is the priority order for implicit partition keys.
var partitionKeyFields = []string{"service_id", "device_id", "customer_id", "site_id"}

// Envelope is the immutable event record. The broker attaches delivery
// coordinates on consume but never mutates the envelope itself.
type Envelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	SchemaVersion string         `json:"schema_version"`
	TenantID      string         `json:"tenant_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	TraceID       string         `json:"trace_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Source        string         `json:"source,omitempty"`
	Data          map[string]any `json:"data"`
}

// New builds an envelope with a fresh ID and the current time.
func New(eventType, tenantID string, data map[string]any) *Envelope {
	return &Envelope{
		ID:            uuid.NewString(),
		Type:          eventType,
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}
}

// Validate checks the envelope invariants: UUID identifiers, the dotted
// type grammar, and partition-key presence for non-exempt types.
func (e *Envelope) Validate() error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("envelope: id %q is not a UUID", e.ID)
	}
	if _, err := uuid.Parse(e.TenantID); err != nil {
		return fmt.Errorf("envelope: tenant_id %q is not a UUID", e.TenantID)
	}
	if !typePattern.MatchString(e.Type) {
		return fmt.Errorf("envelope: type %q does not match <domain>.<entity>.<event>.v<version>", e.Type)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope: occurred_at is required")
	}
	if !e.Exempt() {
		if _, ok := e.lookupPartitionKey(); !ok {
			return fmt.Errorf("envelope: type %q requires a partition key in data", e.Type)
		}
	}
	return nil
}

// Exempt reports whether the event type is exempt from the partition-key
// requirement (system., admin., health.).
func (e *Envelope) Exempt() bool {
	for _, p := range exemptPrefixes {
		if strings.HasPrefix(e.Type, p) {
			return true
		}
	}
	return false
}

// PartitionKey returns the key used for partition assignment and ordered
// processing: explicit data.partition_key, then service_id, device_id,
// customer_id, site_id. Exempt types fall back to tenant_id.
func (e *Envelope) PartitionKey() string {
	if k, ok := e.lookupPartitionKey(); ok {
		return k
	}
	return e.TenantID
}

func (e *Envelope) lookupPartitionKey() (string, bool) {
	if e.Data == nil {
		return "", false
	}
	if v, ok := stringField(e.Data, "partition_key"); ok {
		return v, true
	}
	for _, f := range partitionKeyFields {
		if v, ok := stringField(e.Data, f); ok {
			return v, true
		}
	}
	return "", false
}

func stringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// BaseType returns the type with the .v<version> suffix stripped.
func (e *Envelope) BaseType() string {
	return BaseType(e.Type)
}

// BaseType strips the .v<version> suffix from an event type.
func BaseType(eventType string) string {
	if i := strings.LastIndex(eventType, ".v"); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// TopicName returns the physical topic for this envelope:
// tenant-<tenant_id>.<type-without-version>.
func (e *Envelope) TopicName() string {
	return TopicName(e.TenantID, e.Type)
}

// TopicName builds the tenant-namespaced physical topic name.
func TopicName(tenantID, eventType string) string {
	return "tenant-" + tenantID + "." + BaseType(eventType)
}

// Encode serializes the envelope to its canonical JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from its JSON wire form.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return &e, nil
}
