// Package steps runs ordered command steps where later steps may read earlier outputs.
package steps

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandboxd/internal/sandbox"
	"sandboxd/internal/sandbox/binding"
	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/result"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

// Step is one command template run in its own container.
type Step struct {
	Name         string                           `json:"name" yaml:"name"`
	Image        string                           `json:"image" yaml:"image"`
	Template     string                           `json:"template" yaml:"template"`
	Restrictions execconfig.ContainerRestrictions `json:"restrictions" yaml:"restrictions"`
	Stdin        string                           `json:"stdin,omitempty" yaml:"stdin"`
}

// Execution is a sequence of steps sharing one set of bindings.
type Execution struct {
	ID       string
	Steps    []Step
	Bindings map[string]binding.Binding
	Taint    execconfig.Taint
}

// StepOutcome is the result of one executed step.
type StepOutcome struct {
	Step   string
	Result result.ExecResult
}

// Runner executes steps on a backend.
type Runner struct {
	backend     sandbox.Backend
	mountRoot   string
	scratchRoot string
	localUserID int
}

// NewRunner builds a runner. Step outputs are written below scratchRoot, one directory per run.
func NewRunner(backend sandbox.Backend, mountRoot, scratchRoot string, localUserID int) *Runner {
	return &Runner{backend: backend, mountRoot: mountRoot, scratchRoot: scratchRoot, localUserID: localUserID}
}

// Run executes the steps in order and stops after the first step that does not complete.
// Outcomes of the steps that ran are returned even when err is non-nil.
func (r *Runner) Run(ctx context.Context, exec Execution) ([]StepOutcome, error) {
	scratch := filepath.Join(r.scratchRoot, "steps-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.BindingApplyFailed, "create step scratch dir failed")
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn(ctx, "remove step scratch dir failed", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	resolver := binding.NewResolver(r.mountRoot, scratch)
	stepResults := make(map[string]string, len(exec.Steps))
	outcomes := make([]StepOutcome, 0, len(exec.Steps))

	for _, step := range exec.Steps {
		builder := execconfig.NewBuilder().
			SetLocalUserID(r.localUserID).
			SetImageName(step.Image).
			SetRestrictions(step.Restrictions).
			SetTaint(exec.Taint).
			SetStdin(step.Stdin)
		if err := resolver.ApplyBindings(builder, step.Template, exec.Bindings, stepResults, exec.Taint); err != nil {
			return outcomes, err
		}
		cfg, err := builder.Build()
		if err != nil {
			return outcomes, err
		}

		res, err := r.backend.Execute(ctx, cfg)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, StepOutcome{Step: step.Name, Result: res})
		logger.Debug(ctx, "step finished",
			zap.String("execution", exec.ID),
			zap.String("step", step.Name),
			zap.String("status", string(res.Status)),
			zap.Int64("timeMs", res.ExecutionTimeMs))
		if !res.Status.Succeeded() {
			break
		}
		stepResults[step.Name] = res.Output
	}
	return outcomes, nil
}
