// Package playground provides a go-playground/validator implementation of
// the eventbus Validator interface.
//
// Usage:
//
//	import "github.com/madcok-co/eventbus/contrib/validator/playground"
//
//	v := playground.NewDriver()
//	v.Register("svc.activation.requested", 1, map[string]string{
//	    "service_id":  "required",
//	    "customer_id": "required,uuid4",
//	})
//	bus.SetValidator(v)
//
// Each registered schema maps payload fields to validator tag expressions.
// Unregistered event types pass: schema validation is opt-in per type.
package playground

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
)

type schemaKey struct {
	eventType string
	version   int
}

// Driver implements contracts.Validator using go-playground/validator tag
// rules per payload field.
type Driver struct {
	validate *validator.Validate

	mu      sync.RWMutex
	schemas map[schemaKey]map[string]string
	latest  map[string]int
}

// NewDriver creates an empty registry.
func NewDriver() *Driver {
	return &Driver{
		validate: validator.New(),
		schemas:  map[schemaKey]map[string]string{},
		latest:   map[string]int{},
	}
}

// Register binds field rules to (eventType, version). Later registrations of
// the same pair replace the earlier one.
func (d *Driver) Register(eventType string, version int, rules map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.schemas[schemaKey{eventType, version}] = rules
	if version > d.latest[eventType] {
		d.latest[eventType] = version
	}
}

// Validate checks data against the registered schema. version 0 selects the
// latest registered version; an unregistered type passes.
func (d *Driver) Validate(eventType string, version int, data map[string]any) (bool, []contracts.ValidationIssue) {
	d.mu.RLock()
	if version == 0 {
		version = d.latest[eventType]
	}
	rules, ok := d.schemas[schemaKey{eventType, version}]
	d.mu.RUnlock()
	if !ok {
		return true, nil
	}

	var issues []contracts.ValidationIssue
	for field, rule := range rules {
		value, present := data[field]
		if !present {
			value = nil
		}
		if err := d.validate.Var(value, rule); err != nil {
			issues = append(issues, contracts.ValidationIssue{
				Field:   field,
				Message: issueMessage(rule, err),
			})
		}
	}
	return len(issues) == 0, issues
}

func issueMessage(rule string, err error) string {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		return fmt.Sprintf("failed rule %q", verrs[0].Tag())
	}
	return fmt.Sprintf("failed rules %q", rule)
}

// Ensure Driver implements contracts.Validator
var _ contracts.Validator = (*Driver)(nil)
