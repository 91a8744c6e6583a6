// Package harvest defines the records, stages, and collaborator contracts shared by the
// scheduler, stage workers, orchestrator, and report writers.
package harvest
