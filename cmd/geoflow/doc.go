// Command geoflow submits and inspects geospatial payloads and runs queue
// workers against the configured backend.
//
// Usage:
//
//	geoflow [--config geoflow.yaml] <command>
//
// Commands:
//
//	submit      submit payloads from files or stdin
//	get         print state records
//	list        list records of a collections/workflow group
//	counts      count records per state
//	abort       mark payloads ABORTED
//	delete      remove state records
//	callbacks   manage fan-in callback tokens
//	worker      process queued executions
package main
