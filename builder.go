package geoflow

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/geoflow/pkg/api"
)

// StageBuilder provides a fluent API for defining a process stage:
//
//	archive := geoflow.NewStage("cog-archive").
//	    Task("copy-assets", map[string]any{"assets": []string{"visual"}}).
//	    PathTemplate("/${collection}/${id}").
//	    Collection("landsat-c2l2", "^LC0[89]_").
//	    Build()
type StageBuilder struct {
	stage api.Stage
}

// NewStage starts a stage that runs workflow.
func NewStage(workflow string) *StageBuilder {
	if workflow == "" {
		panic("geoflow: stage workflow must not be empty")
	}
	return &StageBuilder{stage: api.Stage{
		Workflow:      workflow,
		Tasks:         map[string]json.RawMessage{},
		UploadOptions: &api.UploadOptions{},
	}}
}

// Task adds a task and its parameters, encoded as JSON.
func (b *StageBuilder) Task(name string, params any) *StageBuilder {
	if name == "" {
		panic("geoflow: task name must not be empty")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		panic(fmt.Sprintf("geoflow: task %q parameters: %v", name, err))
	}
	b.stage.Tasks[name] = raw
	return b
}

// PathTemplate sets where outputs are published.
func (b *StageBuilder) PathTemplate(tmpl string) *StageBuilder {
	b.stage.UploadOptions.PathTemplate = tmpl
	return b
}

// Collection assigns items whose id matches pattern to the collection name.
// Rules are kept in call order.
func (b *StageBuilder) Collection(name, pattern string) *StageBuilder {
	b.stage.UploadOptions.Collections = append(b.stage.UploadOptions.Collections,
		api.CollectionRule{Name: name, Pattern: pattern})
	return b
}

// CollectionsOverride sets the collections segment of the payload id.
func (b *StageBuilder) CollectionsOverride(collections string) *StageBuilder {
	b.stage.Collections = collections
	return b
}

// ChainFilter keeps only matching items when the stage is reached from a
// previous one.
func (b *StageBuilder) ChainFilter(expr string) *StageBuilder {
	b.stage.ChainFilter = expr
	return b
}

// Replace makes batch submission rerun the stage whatever its state.
func (b *StageBuilder) Replace() *StageBuilder {
	b.stage.Replace = true
	return b
}

// Build returns a copy of the stage.
func (b *StageBuilder) Build() api.Stage {
	s := b.stage
	s.Tasks = make(map[string]json.RawMessage, len(b.stage.Tasks))
	for k, v := range b.stage.Tasks {
		s.Tasks[k] = v
	}
	opts := *b.stage.UploadOptions
	opts.Collections = append([]api.CollectionRule(nil), opts.Collections...)
	s.UploadOptions = &opts
	return s
}

// ProcessBuilder chains stages into a process:
//
//	proc := geoflow.NewProcess().
//	    Then(ingest).
//	    Fork(thumbnails, archive).
//	    Then(mosaic).
//	    Build()
type ProcessBuilder struct {
	nodes []api.Node
}

// NewProcess starts an empty process.
func NewProcess() *ProcessBuilder {
	return &ProcessBuilder{}
}

// Then appends a single stage.
func (b *ProcessBuilder) Then(s api.Stage) *ProcessBuilder {
	b.nodes = append(b.nodes, api.Step(s))
	return b
}

// Fork appends parallel branches. Each branch gets its own successor
// payload.
func (b *ProcessBuilder) Fork(branches ...api.Stage) *ProcessBuilder {
	if len(branches) == 0 {
		panic("geoflow: fork needs at least one branch")
	}
	b.nodes = append(b.nodes, api.Fork(branches...))
	return b
}

// Build returns the process.
func (b *ProcessBuilder) Build() api.Process {
	return api.Pipeline(append([]api.Node(nil), b.nodes...)...)
}
