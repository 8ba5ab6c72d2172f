// Package binding expands @NAME@ placeholders in command templates into mount points or text.
package binding

import (
	"os"
	"path"
	"path/filepath"

	"sandboxd/internal/sandbox/execconfig"
	appErr "sandboxd/pkg/errors"
)

// Standard binding names understood by task authors' command templates.
const (
	Image      = "IMAGE"
	Submission = "SUBMISSION"
	Variant    = "VARIANT"
	Task       = "TASK"
	Step       = "STEP"
	Shared     = "SHARED"
	Mutation   = "MUTATION"
)

// Control says where the bound content came from.
type Control int

const (
	FromTask Control = iota
	UserControlled
)

// Binding is a named substitution source for a command template.
type Binding interface {
	// MountPoint is the text that replaces @name@ in the template.
	MountPoint(name string) string
	// Apply adds whatever mounts the binding needs to b.
	Apply(b *execconfig.Builder, name string) error
	// UserControlled reports whether referencing the binding taints the execution.
	UserControlled() bool
}

// FileBinding mounts a host path at <mountRoot>/<name>.
type FileBinding struct {
	HostPath  string
	ReadWrite bool
	MountRoot string
	Control   Control
}

// NewFileBinding binds hostPath under mountRoot.
func NewFileBinding(hostPath string, readWrite bool, mountRoot string, control Control) *FileBinding {
	return &FileBinding{HostPath: hostPath, ReadWrite: readWrite, MountRoot: mountRoot, Control: control}
}

func (f *FileBinding) MountPoint(name string) string {
	return path.Join(f.MountRoot, name)
}

func (f *FileBinding) Apply(b *execconfig.Builder, name string) error {
	b.AddPathSpecification(execconfig.NewPathSpecification(f.HostPath, f.MountPoint(name), f.ReadWrite))
	return nil
}

func (f *FileBinding) UserControlled() bool {
	return f.Control == UserControlled
}

// ImageBinding resolves to a path that already exists inside the image.
type ImageBinding struct {
	Path string
}

func (i ImageBinding) MountPoint(string) string                { return i.Path }
func (i ImageBinding) Apply(*execconfig.Builder, string) error { return nil }
func (i ImageBinding) UserControlled() bool                    { return false }

// TextBinding substitutes literal text. Nothing is mounted.
type TextBinding struct {
	Text string
}

func (t TextBinding) MountPoint(string) string                { return t.Text }
func (t TextBinding) Apply(*execconfig.Builder, string) error { return nil }
func (t TextBinding) UserControlled() bool                    { return false }

// TemporaryFileBinding exposes a previous step's output as a read-only file.
type TemporaryFileBinding struct {
	Content   string
	HostPath  string
	MountRoot string
}

func (t *TemporaryFileBinding) MountPoint(name string) string {
	return path.Join(t.MountRoot, name)
}

// Apply writes the content to HostPath and mounts it read-only.
func (t *TemporaryFileBinding) Apply(b *execconfig.Builder, name string) error {
	if err := os.MkdirAll(filepath.Dir(t.HostPath), 0o755); err != nil {
		return appErr.Wrapf(err, appErr.BindingApplyFailed, "create scratch dir for %s", name)
	}
	if err := os.WriteFile(t.HostPath, []byte(t.Content), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.BindingApplyFailed, "write step output %s", name)
	}
	b.AddPathSpecification(execconfig.NewPathSpecification(t.HostPath, t.MountPoint(name), false))
	return nil
}

func (t *TemporaryFileBinding) UserControlled() bool { return false }
