// Package execconfig describes one fully resolved container invocation.
package execconfig

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	appErr "sandboxd/pkg/errors"
)

// Taint records whether user-supplied files reached an execution, and from which repository.
// Containers are only reused between executions whose taint identities match.
type Taint struct {
	Name           string
	UserControlled bool
}

// Compile is the taint of task compilation, which never sees user input.
var Compile = Taint{Name: "compile"}

// Parameterisation is the starting taint for an execution against repoID.
func Parameterisation(repoID string) Taint {
	return Taint{Name: repoID}
}

// AsUserControlled marks t as having been exposed to user-controlled input.
func (t Taint) AsUserControlled() Taint {
	t.UserControlled = true
	return t
}

// Identity is empty for untainted executions so they can share containers freely.
func (t Taint) Identity() string {
	if t.UserControlled {
		return t.Name
	}
	return ""
}

func (t Taint) String() string {
	if t.UserControlled {
		return "tainted(" + t.Name + ")"
	}
	return "untainted"
}

// ExecutionConfig is immutable once built. Use Builder to create one.
type ExecutionConfig struct {
	localUserID  int
	pathSpecs    []PathSpecification
	command      []string
	imageName    string
	restrictions ContainerRestrictions
	taint        Taint
	stdin        string
}

func (c ExecutionConfig) LocalUserID() int                    { return c.localUserID }
func (c ExecutionConfig) ImageName() string                   { return c.imageName }
func (c ExecutionConfig) Restrictions() ContainerRestrictions { return c.restrictions }
func (c ExecutionConfig) Taint() Taint                        { return c.taint }
func (c ExecutionConfig) Stdin() string                       { return c.stdin }

// PathSpecs returns a copy of the mount list.
func (c ExecutionConfig) PathSpecs() []PathSpecification {
	return slices.Clone(c.pathSpecs)
}

// Command returns a copy of the argv.
func (c ExecutionConfig) Command() []string {
	return slices.Clone(c.command)
}

// Env is injected into every container so in-container tooling can self-configure.
func (c ExecutionConfig) Env() []string {
	return []string{
		fmt.Sprintf("LOCAL_USER_ID=%d", c.localUserID),
		fmt.Sprintf("RAM_LIMIT_MEGABYTES=%d", c.restrictions.RAMLimitMB),
	}
}

// Binds lists the mounts in runtime bind-string form.
func (c ExecutionConfig) Binds() []string {
	binds := make([]string, 0, len(c.pathSpecs))
	for _, spec := range c.pathSpecs {
		binds = append(binds, spec.BindString())
	}
	return binds
}

// ConfigurationHash identifies containers that can be shared: same image and restrictions.
func (c ExecutionConfig) ConfigurationHash() string {
	r := c.restrictions
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%d\x00%d\x00%t",
		c.imageName, r.TimeoutSec, r.DiskWriteLimitMB, r.RAMLimitMB, r.OutputLimitKChars, r.NetworkDisabled)
	return hex.EncodeToString(h.Sum(nil))
}

// WithCommand returns a copy with argv replaced.
func (c ExecutionConfig) WithCommand(command []string) ExecutionConfig {
	c.command = slices.Clone(command)
	c.pathSpecs = slices.Clone(c.pathSpecs)
	return c
}

// WithPathSpecs returns a copy with the mount list replaced.
func (c ExecutionConfig) WithPathSpecs(specs []PathSpecification) ExecutionConfig {
	c.pathSpecs = slices.Clone(specs)
	c.command = slices.Clone(c.command)
	return c
}

func (c ExecutionConfig) String() string {
	return fmt.Sprintf("%s %s", c.imageName, strings.Join(c.command, " "))
}

// Builder assembles an ExecutionConfig as bindings are resolved.
type Builder struct {
	cfg ExecutionConfig
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) SetLocalUserID(uid int) *Builder {
	b.cfg.localUserID = uid
	return b
}

func (b *Builder) SetImageName(image string) *Builder {
	b.cfg.imageName = image
	return b
}

func (b *Builder) SetRestrictions(r ContainerRestrictions) *Builder {
	b.cfg.restrictions = r
	return b
}

func (b *Builder) SetTaint(t Taint) *Builder {
	b.cfg.taint = t
	return b
}

func (b *Builder) SetStdin(stdin string) *Builder {
	b.cfg.stdin = stdin
	return b
}

func (b *Builder) AddPathSpecification(spec PathSpecification) *Builder {
	b.cfg.pathSpecs = append(b.cfg.pathSpecs, spec)
	return b
}

func (b *Builder) AddCommand(args ...string) *Builder {
	b.cfg.command = append(b.cfg.command, args...)
	return b
}

// PathSpecs returns the mounts added so far.
func (b *Builder) PathSpecs() []PathSpecification {
	return slices.Clone(b.cfg.pathSpecs)
}

// Build validates and returns an immutable snapshot; the builder stays usable.
func (b *Builder) Build() (ExecutionConfig, error) {
	if strings.TrimSpace(b.cfg.imageName) == "" {
		return ExecutionConfig{}, appErr.New(appErr.InvalidExecConfig).WithMessage("image name is required")
	}
	if len(b.cfg.command) == 0 {
		return ExecutionConfig{}, appErr.New(appErr.InvalidExecConfig).WithMessage("command is empty")
	}
	if err := b.cfg.restrictions.Validate(); err != nil {
		return ExecutionConfig{}, err
	}
	out := b.cfg
	out.pathSpecs = slices.Clone(b.cfg.pathSpecs)
	out.command = slices.Clone(b.cfg.command)
	return out, nil
}
