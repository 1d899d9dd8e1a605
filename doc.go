// Package geoflow coordinates the processing of geospatial payloads through
// multi-stage pipelines.
//
// A payload is a STAC FeatureCollection plus a process definition: an
// ordered list of stages, where a slot may fork into parallel branches. Each
// stage names the workflow that runs it. Geoflow derives a canonical payload
// id from the item collections, the current workflow and the item ids, and
// uses it to make sure a payload is processed at most once at a time.
//
// # Core Concepts
//
//  1. Payload and Process (pkg/api)
//  2. Engine
//  3. Worker and Handler
//  4. Callback tokens
//  5. LocalRunner and WorkerBundle
//
// # Engine
//
// The engine claims a payload (QUEUED or final states move to PROCESSING; a
// payload already PROCESSING is rejected with ErrAlreadyProcessing), stores
// its input, and starts an execution through a task queue. When the
// execution finishes the engine records COMPLETED, FAILED, INVALID or
// ABORTED, resolves callback tokens waiting on the payload and submits the
// successor payloads of the next process slot.
//
// State is kept in one of several backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend includes a matching task queue implementation.
//
// # Worker and Handler
//
// A Handler does the actual work of a stage:
//
//	func(ctx context.Context, p *geoflow.Payload) (*geoflow.Payload, error)
//
// Returning an error wrapping ErrInvalidInput marks the payload INVALID;
// other errors are retried according to the worker configuration (see
// Retry) and finally mark it FAILED. Chain, ForEachItem, KeepItems,
// TypedTask and Route compose handlers.
//
// # Building processes
//
//	proc := geoflow.NewProcess().
//	    Then(geoflow.NewStage("ingest").Task("copy-assets", nil).Build()).
//	    Fork(thumbnails, archive).
//	    Build()
//
// A branch stage may declare a chain filter, a JSONPath expression applied
// to each item, so that only matching items reach it.
//
// # Callback tokens
//
// External orchestrators that wait for a payload register a token with
// Await. The token is resolved once, with the payload's final state, and
// expires after a retention period.
//
// # Running
//
// LocalRunner runs everything in memory for development and tests.
// NewSQLiteBundle gives a durable single-node setup. The geoflow command
// (cmd/geoflow) configures any backend from a YAML file and GEOFLOW_*
// environment variables.
package geoflow
