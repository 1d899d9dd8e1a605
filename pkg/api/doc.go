// Package api contains the core building blocks used by geoflow: the payload
// model, payload identity, the workflow graph and the types shared by the
// state store and callback registry.
//
// Most users interact with the higher-level geoflow package, which re-exports
// selected types and helpers from this package.
//
// # Payloads
//
// A Payload is a STAC feature collection plus a process definition. The
// process is either a single Stage or an ordered list of nodes, each node a
// single Stage or a fork of parallel stages. Slot 0 is the current stage.
//
// ParsePayload decodes and prepares a payload: it validates the structure,
// derives the PayloadID when none is given and assigns item collections from
// the current stage's upload options. Validation failures are reported as
// *ValidationError and happen before anything is written anywhere.
//
// # Identity
//
// A PayloadID has the form
//
//	<collections>/workflow-<name>/<item-ids>
//
// where collections and item ids are sorted, de-duplicated and joined by "/".
// It is deterministic: the same items and workflow always produce the same id,
// whatever order the items arrive in. PayloadID.Key splits an id into the
// store Key, and Key.PayloadID is its exact inverse. Key.Fingerprint derives
// the fixed-size value used to index callback tokens.
//
// # Workflow graph
//
// Payload.NextPayloads computes the payloads for the next pipeline slot once
// the current stage completes: one for a single stage, one per branch for a
// fork. Branches may restrict their items with a JSONPath chain filter.
//
// # States and observability
//
// State enumerates the lifecycle states. StateRecord and CallbackRecord are
// the persisted records. Observer receives claim, transition and callback
// events; LoggingObserver, BasicMetrics and CompositeObserver are provided.
package api
