package tool

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// CollectResult is what one collector run produced.
type CollectResult struct {
	Logs           []core.LogFile
	StatusMessages []string
}

// AnalyzeResult is what one analyzer pass produced. Logs carries the input
// logs with their Reports filled in.
type AnalyzeResult struct {
	Logs           []core.LogFile
	StatusMessages []string
}

// LogCollector gathers raw artifacts for a session on this instance.
type LogCollector interface {
	CollectLogs(ctx context.Context, session *core.Session) (*CollectResult, error)
}

// LogAnalyzer turns collected logs into reports.
type LogAnalyzer interface {
	AnalyzeLogs(ctx context.Context, session *core.Session, logs []core.LogFile) (*AnalyzeResult, error)
}

// Environment is the per-instance context placeholders and temp paths
// derive from.
type Environment struct {
	InstanceName string
	TempDir      string
	ToolsPath    string
}

// SessionDir is this instance's scratch directory for a session.
func (e Environment) SessionDir(sessionID string) string {
	return filepath.Join(e.TempDir, sessionID, e.InstanceName)
}

// WorkDir is the scratch directory for one diagnoser within a session.
func (e Environment) WorkDir(sessionID, diagnoser string) string {
	return filepath.Join(e.SessionDir(sessionID), diagnoser)
}

// Vars holds the variables every tool command sees for one diagnoser run.
func (e Environment) Vars(sessionID, diagnoser string) Vars {
	return Vars{
		VarToolsPath:     e.ToolsPath,
		VarInstanceName:  e.InstanceName,
		VarSessionID:     sessionID,
		VarDiagnoserName: diagnoser,
		VarTempDir:       e.TempDir,
	}
}

// Deps carries everything a collector or analyzer needs at run time.
type Deps struct {
	Runner *ProcessRunner
	Leaser core.Leaser
	// Artifacts is where logs and reports are copied. BlobStorage records
	// whether it is the object store.
	Artifacts   core.Store
	BlobStorage bool
	Env         Environment

	CollectorTimeout time.Duration
	AnalyzerTimeout  time.Duration
	LeaseDuration    time.Duration
	LeaseRetry       time.Duration

	Clock  core.Clock
	Logger *slog.Logger

	// Registry resolves pre-validators. Filled in by Registry.NewCollector.
	Registry *Registry
}

func (d *Deps) defaults() {
	if d.Clock == nil {
		d.Clock = core.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.LeaseDuration <= 0 {
		d.LeaseDuration = time.Minute
	}
	if d.LeaseRetry <= 0 {
		d.LeaseRetry = 5 * time.Second
	}
}

// Validator is a predefined pre-validation check. A nil error means go.
type Validator func(ctx context.Context, args []string) error

// CollectorFactory builds a collector for a diagnoser.
type CollectorFactory func(d *core.Diagnoser, deps Deps) (LogCollector, error)

// Registry maps validator names and collector kinds to implementations.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	collectors map[core.CollectorKind]CollectorFactory
}

// NewRegistry creates a registry with the built-in validators and
// collector kinds registered.
func NewRegistry() *Registry {
	r := &Registry{
		validators: make(map[string]Validator),
		collectors: make(map[core.CollectorKind]CollectorFactory),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.RegisterValidator("tool-exists", ValidateToolExists)
	r.RegisterValidator("free-disk-space", ValidateFreeDiskSpace)
	r.RegisterValidator("free-memory", ValidateFreeMemory)
	r.RegisterValidator("process-running", ValidateProcessRunning)

	r.RegisterCollector(core.CollectorKindProcess, NewProcessCollector)
	r.RegisterCollector(core.CollectorKindRange, NewRangeCollector)
}

// RegisterValidator adds or replaces a named validator.
func (r *Registry) RegisterValidator(name string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[strings.ToLower(name)] = v
}

// RegisterCollector adds or replaces the factory for a collector kind.
func (r *Registry) RegisterCollector(kind core.CollectorKind, f CollectorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[kind] = f
}

// Validators lists registered validator names.
func (r *Registry) Validators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for n := range r.validators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate runs the named validator.
func (r *Registry) Validate(ctx context.Context, name string, args []string) error {
	r.mu.RLock()
	v, ok := r.validators[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown pre-validator %q", name)
	}
	return v(ctx, args)
}

// NewCollector builds the collector for d according to its kind.
func (r *Registry) NewCollector(d *core.Diagnoser, deps Deps) (LogCollector, error) {
	kind := d.Collector.Kind
	if kind == "" {
		kind = core.CollectorKindProcess
	}
	r.mu.RLock()
	f, ok := r.collectors[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, core.ErrValidation(core.CodeUnknownDiagnoser,
			fmt.Sprintf("diagnoser %s: no collector registered for kind %q", d.Name, kind))
	}
	if deps.Registry == nil {
		deps.Registry = r
	}
	return f(d, deps)
}

// NewAnalyzer builds the analyzer for d. It fails when d has none.
func (r *Registry) NewAnalyzer(d *core.Diagnoser, deps Deps) (LogAnalyzer, error) {
	if !d.HasAnalyzer() {
		return nil, core.ErrValidation(core.CodeUnknownDiagnoser,
			fmt.Sprintf("diagnoser %s has no analyzer", d.Name))
	}
	return NewAnalyzer(d, deps), nil
}
