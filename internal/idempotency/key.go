// Package idempotency builds the deterministic keys that collapse duplicate
// webhook deliveries and duplicate stage enqueues into one operation.
package idempotency

import "strings"

// Step tags the pipeline step a key belongs to.
type Step string

const (
	StepWebhook   Step = "WEBHOOK"
	StepFetch     Step = "FETCH"
	StepMap       Step = "MAP"
	StepGenerate  Step = "GENERATE"
	StepSubmit    Step = "SUBMIT"
	StepSync      Step = "SYNC"
	StepReconcile Step = "RECONCILE"
)

// Separator joins the step and its parts.
const Separator = ":"

// BuildKey joins step and parts with Separator. It has no side effects, so the
// same inputs always produce the same key.
func BuildKey(step Step, parts ...string) string {
	out := make([]string, 0, len(parts)+1)
	out = append(out, string(step))
	out = append(out, parts...)
	return strings.Join(out, Separator)
}
