package binding

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"

	"sandboxd/internal/sandbox/execconfig"
	appErr "sandboxd/pkg/errors"
)

var placeholder = regexp.MustCompile(`@([a-zA-Z_][-a-zA-Z_0-9]*)@`)

// Resolver turns command templates into argv and mounts.
type Resolver struct {
	// MountRoot is where file bindings appear inside the container.
	MountRoot string
	// ScratchDir holds step outputs written for TemporaryFileBinding.
	ScratchDir string
}

// NewResolver returns a resolver mounting under mountRoot and writing step outputs to scratchDir.
func NewResolver(mountRoot, scratchDir string) *Resolver {
	return &Resolver{MountRoot: mountRoot, ScratchDir: scratchDir}
}

// ApplyBindings substitutes every @NAME@ in template, adds the mounts those bindings need to builder
// and appends the resulting argv. Each binding is applied at most once per call no matter how often
// it is referenced. stepResults maps earlier step names to their output.
func (r *Resolver) ApplyBindings(
	builder *execconfig.Builder,
	template string,
	bindings map[string]Binding,
	stepResults map[string]string,
	taint execconfig.Taint,
) error {
	applied := make(map[string]Binding)
	var applyErr error

	substituted := placeholder.ReplaceAllStringFunc(template, func(match string) string {
		if applyErr != nil {
			return match
		}
		name := match[1 : len(match)-1]

		b, ok := applied[name]
		if ok {
			return b.MountPoint(name)
		}
		b, err := r.lookup(name, template, bindings, stepResults)
		if err != nil {
			applyErr = err
			return match
		}
		if err := b.Apply(builder, name); err != nil {
			applyErr = err
			return match
		}
		applied[name] = b
		if b.UserControlled() {
			taint = taint.AsUserControlled()
		}
		return b.MountPoint(name)
	})
	if applyErr != nil {
		return applyErr
	}

	args, err := shlex.Split(substituted)
	if err != nil {
		return appErr.Wrapf(err, appErr.MalformedCommand, "malformed command %q", template).
			WithDetail("template", template)
	}
	if len(args) == 0 {
		return appErr.Newf(appErr.MalformedCommand, "command %q is empty", template).
			WithDetail("template", template)
	}

	builder.SetTaint(taint)
	builder.AddCommand(args...)
	return nil
}

func (r *Resolver) lookup(name, template string, bindings map[string]Binding, stepResults map[string]string) (Binding, error) {
	if b, ok := bindings[name]; ok {
		return b, nil
	}
	if output, ok := stepResults[name]; ok {
		return &TemporaryFileBinding{
			Content:   output,
			HostPath:  filepath.Join(r.ScratchDir, name),
			MountRoot: r.MountRoot,
		}, nil
	}
	return nil, appErr.Newf(appErr.UnknownBinding, "unknown binding %s in command %q", name, template).
		WithDetail("binding", name).
		WithDetail("template", template)
}

// Names lists the placeholders referenced by template in order of first appearance.
func Names(template string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// Quote renders argv back into a single shell-safe line.
func Quote(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n'\"\\$`;&|<>()*?[]#~") {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
