package geoflow

import (
	"github.com/petrijr/geoflow/internal/statedb"
	"github.com/petrijr/geoflow/pkg/api"
	"github.com/petrijr/geoflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Payload              = api.Payload
	PayloadID            = api.PayloadID
	PayloadRef           = api.PayloadRef
	Item                 = api.Item
	Link                 = api.Link
	Process              = api.Process
	Node                 = api.Node
	Stage                = api.Stage
	UploadOptions        = api.UploadOptions
	CollectionRule       = api.CollectionRule
	Key                  = api.Key
	Fingerprint          = api.Fingerprint
	State                = api.State
	StateRecord          = api.StateRecord
	CallbackRecord       = api.CallbackRecord
	BatchReport          = api.BatchReport
	ValidationError      = api.ValidationError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	Handler              = worker.Handler
	WorkerConfig         = worker.Config
	ListOptions          = statedb.ListOptions
	CountOptions         = statedb.CountOptions
	Count                = statedb.Count
)

// Re-export constructors and helpers.

var (
	NewPayload           = api.NewPayload
	ParsePayload         = api.ParsePayload
	DerivePayloadID      = api.DerivePayloadID
	SingleStage          = api.SingleStage
	Pipeline             = api.Pipeline
	Step                 = api.Step
	Fork                 = api.Fork
	FilterItems          = api.FilterItems
	ParseState           = api.ParseState
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Passthrough          = worker.Passthrough
)

// Re-export state values for convenience.

const (
	StateQueued     = api.StateQueued
	StateProcessing = api.StateProcessing
	StateCompleted  = api.StateCompleted
	StateFailed     = api.StateFailed
	StateInvalid    = api.StateInvalid
	StateAborted    = api.StateAborted
)

// Re-export sentinel errors.

var (
	ErrAlreadyProcessing = api.ErrAlreadyProcessing
	ErrInvalidInput      = api.ErrInvalidInput
	ErrInvalidState      = api.ErrInvalidState
	ErrCallbackResolved  = api.ErrCallbackResolved
)
