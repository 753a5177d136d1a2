// Package triage provides the business boundary for the MedAssist triage
// pipeline. It defines the Service (single-flight orchestration, stage
// sequencing), Assessor (risk classification with retry and degrade),
// Policy (escalation state machine), Store interface (persistence), and
// domain models.
package triage
