package steps

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sandboxd/internal/sandbox/binding"
	"sandboxd/internal/sandbox/execconfig"
	appErr "sandboxd/pkg/errors"
)

// Binding kinds accepted in an execution document.
const (
	BindingFile  = "file"
	BindingImage = "image"
	BindingText  = "text"
)

// BindingDoc describes one binding in an execution document.
type BindingDoc struct {
	Kind           string `yaml:"kind" json:"kind"`
	Path           string `yaml:"path,omitempty" json:"path,omitempty"`
	Text           string `yaml:"text,omitempty" json:"text,omitempty"`
	ReadWrite      bool   `yaml:"readWrite,omitempty" json:"readWrite,omitempty"`
	UserControlled bool   `yaml:"userControlled,omitempty" json:"userControlled,omitempty"`
}

// TaintDoc is the starting taint of an execution.
type TaintDoc struct {
	Name           string `yaml:"name" json:"name"`
	UserControlled bool   `yaml:"userControlled,omitempty" json:"userControlled,omitempty"`
}

// Document is the YAML or JSON form of an Execution.
type Document struct {
	ID       string                `yaml:"id" json:"id"`
	Taint    TaintDoc              `yaml:"taint" json:"taint"`
	Bindings map[string]BindingDoc `yaml:"bindings" json:"bindings"`
	Steps    []Step                `yaml:"steps" json:"steps"`
}

// ParseDocument decodes a YAML (or JSON, which is valid YAML) execution document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, appErr.Wrapf(err, appErr.InvalidFormat, "parse execution document failed")
	}
	return doc, nil
}

// Execution validates the document and builds the bindings, mounting files under mountRoot.
// File paths must be relative and stay under baseDir once symlinks are resolved.
func (d Document) Execution(mountRoot, baseDir string) (Execution, error) {
	if strings.TrimSpace(d.ID) == "" {
		return Execution{}, appErr.ValidationError("id", "required")
	}
	if len(d.Steps) == 0 {
		return Execution{}, appErr.ValidationError("steps", "at least one step is required")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		switch {
		case s.Name == "":
			return Execution{}, appErr.ValidationError(field+".name", "required")
		case seen[s.Name]:
			return Execution{}, appErr.ValidationError(field+".name", "duplicate step name "+s.Name)
		case d.Bindings[s.Name] != (BindingDoc{}):
			return Execution{}, appErr.ValidationError(field+".name", "step name shadows binding "+s.Name)
		}
		seen[s.Name] = true
	}

	bindings := make(map[string]binding.Binding, len(d.Bindings))
	for name, b := range d.Bindings {
		control := binding.FromTask
		if b.UserControlled {
			control = binding.UserControlled
		}
		switch b.Kind {
		case BindingFile:
			if b.Path == "" {
				return Execution{}, appErr.ValidationError("bindings."+name+".path", "required")
			}
			hostPath, err := confine(baseDir, b.Path)
			if err != nil {
				return Execution{}, appErr.ValidationError("bindings."+name+".path", err.Error())
			}
			bindings[name] = binding.NewFileBinding(hostPath, b.ReadWrite, mountRoot, control)
		case BindingImage:
			bindings[name] = binding.ImageBinding{Path: b.Path}
		case BindingText:
			bindings[name] = binding.TextBinding{Text: b.Text}
		default:
			return Execution{}, appErr.ValidationError("bindings."+name+".kind", "unknown kind "+b.Kind)
		}
	}

	return Execution{
		ID:       d.ID,
		Steps:    d.Steps,
		Bindings: bindings,
		Taint:    execconfig.Taint{Name: d.Taint.Name, UserControlled: d.Taint.UserControlled},
	}, nil
}

// confine joins rel onto baseDir and rejects paths that leave it, directly or through a symlink.
func confine(baseDir, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q must be relative to the document root", rel)
	}
	root, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	hostPath := filepath.Join(root, rel)

	realRoot, err := resolveExisting(root)
	if err != nil {
		return "", err
	}
	realPath, err := resolveExisting(hostPath)
	if err != nil {
		return "", err
	}
	if r, err := filepath.Rel(realRoot, realPath); err != nil || !filepath.IsLocal(r) {
		return "", fmt.Errorf("path %q escapes the document root", rel)
	}
	return hostPath, nil
}

// resolveExisting evaluates symlinks in the longest existing prefix of p.
func resolveExisting(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if _, lerr := os.Lstat(p); lerr == nil {
		return "", fmt.Errorf("dangling symlink %q", p)
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p, nil
	}
	realParent, err := resolveExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, filepath.Base(p)), nil
}
