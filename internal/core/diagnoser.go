package core

import "time"

// CollectorKind selects how a collector is scheduled.
type CollectorKind string

const (
	// CollectorKindProcess runs as soon as the instance picks up the session.
	CollectorKindProcess CollectorKind = "process"
	// CollectorKindRange waits until the session's time window has elapsed.
	CollectorKindRange CollectorKind = "range"
)

// CollectorSpec describes the external command that produces raw artifacts.
type CollectorSpec struct {
	Kind                   CollectorKind `yaml:"kind" json:"kind,omitempty" mapstructure:"kind"`
	Command                string        `yaml:"command" json:"command" mapstructure:"command"`
	Arguments              string        `yaml:"arguments" json:"arguments,omitempty" mapstructure:"arguments"`
	PreValidationCommand   string        `yaml:"pre_validation_command" json:"preValidationCommand,omitempty" mapstructure:"pre_validation_command"`
	PreValidationArguments string        `yaml:"pre_validation_arguments" json:"preValidationArguments,omitempty" mapstructure:"pre_validation_arguments"`
	PreValidator           string        `yaml:"pre_validator" json:"preValidator,omitempty" mapstructure:"pre_validator"`
	PreValidatorArgs       []string      `yaml:"pre_validator_args" json:"preValidatorArgs,omitempty" mapstructure:"pre_validator_args"`
	Timeout                time.Duration `yaml:"timeout" json:"timeout,omitempty" mapstructure:"timeout"`
}

// AnalyzerSpec describes the external command that turns logs into reports.
type AnalyzerSpec struct {
	Command   string        `yaml:"command" json:"command" mapstructure:"command"`
	Arguments string        `yaml:"arguments" json:"arguments,omitempty" mapstructure:"arguments"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty" mapstructure:"timeout"`
}

// Diagnoser pairs a collector and an analyzer for one diagnostic technique.
// Immutable after the catalog is loaded.
type Diagnoser struct {
	Name                   string        `yaml:"name" json:"name" mapstructure:"name"`
	Description            string        `yaml:"description" json:"description,omitempty" mapstructure:"description"`
	RequiresStorageAccount bool          `yaml:"requires_storage_account" json:"requiresStorageAccount" mapstructure:"requires_storage_account"`
	Collector              CollectorSpec `yaml:"collector" json:"collector" mapstructure:"collector"`
	Analyzer               *AnalyzerSpec `yaml:"analyzer" json:"analyzer,omitempty" mapstructure:"analyzer"`
}

// HasAnalyzer reports whether the diagnoser has an analysis stage.
func (d *Diagnoser) HasAnalyzer() bool {
	return d.Analyzer != nil && d.Analyzer.Command != ""
}

// DiagnoserCatalog resolves diagnosers by name.
type DiagnoserCatalog interface {
	Lookup(name string) (*Diagnoser, bool)
	List() []Diagnoser
}
