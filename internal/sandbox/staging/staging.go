// Package staging moves an execution's mounts into a fixed directory layout and back again.
// Read-write sources are moved in and out; read-only sources are copied in and discarded.
package staging

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"syscall"

	"sandboxd/internal/sandbox/execconfig"
	appErr "sandboxd/pkg/errors"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SanitizeName replaces characters not allowed in container names with '-'.
func SanitizeName(s string) string {
	return unsafeNameChars.ReplaceAllString(s, "-")
}

// staged is one mount moved or copied into the staging area.
type staged struct {
	spec      execconfig.PathSpecification
	hostPath  string
	innerPath string
}

// Area holds the staged mounts of one execution. Files land under <dir>/rw and <dir>/ro and are
// addressed by the program as <innerRoot>/rw/<name> and <innerRoot>/ro/<name>.
type Area struct {
	dir   string
	items []staged
}

// New stages specs under dir. On error everything already staged is restored.
func New(dir, innerRoot string, specs []execconfig.PathSpecification) (*Area, error) {
	for _, sub := range []string{"rw", "ro"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, appErr.Wrapf(err, appErr.SwizzleFailed, "create staging dir")
		}
	}
	s := &Area{dir: dir}
	for i, spec := range specs {
		sub := "ro"
		if spec.ReadWrite {
			sub = "rw"
		}
		flat := fmt.Sprintf("%d-%s", i, SanitizeName(path.Base(spec.Container)))
		item := staged{
			spec:      spec,
			hostPath:  filepath.Join(dir, sub, flat),
			innerPath: path.Join(innerRoot, sub, flat),
		}
		if err := s.stage(item); err != nil {
			_ = s.Restore()
			return nil, appErr.Wrapf(err, appErr.SwizzleFailed, "stage %s", spec.Host).
				WithDetail("container", spec.Container)
		}
		s.items = append(s.items, item)
	}
	return s, nil
}

func (s *Area) stage(item staged) error {
	if err := EnsureSource(item.spec.Host); err != nil {
		return err
	}
	if item.spec.ReadWrite {
		return move(item.spec.Host, item.hostPath)
	}
	return copyTree(item.spec.Host, item.hostPath)
}

// EnsureSource creates a missing mount source as an empty directory so it is never created root-owned.
func EnsureSource(host string) error {
	_, err := os.Stat(host)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(host, 0o755)
	}
	return err
}

// move renames src to dst, copying and then deleting src when they sit on different filesystems.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

// Rewrite replaces container paths in command with their staged locations, longest first.
func (s *Area) Rewrite(command string) string {
	items := slices.Clone(s.items)
	slices.SortFunc(items, func(a, b staged) int {
		return cmp.Compare(len(b.spec.Container), len(a.spec.Container))
	})
	pairs := make([]string, 0, 2*len(items))
	for _, it := range items {
		pairs = append(pairs, it.spec.Container, it.innerPath)
	}
	return strings.NewReplacer(pairs...).Replace(command)
}

// Restore moves read-write sources back and deletes read-only copies. It returns the first error.
func (s *Area) Restore() error {
	var first error
	for _, it := range s.items {
		var err error
		if it.spec.ReadWrite {
			err = move(it.hostPath, it.spec.Host)
		} else {
			err = os.RemoveAll(it.hostPath)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	s.items = nil
	return first
}

// Dir is the host directory holding the staged files.
func (s *Area) Dir() string {
	return s.dir
}

// WriteScript writes an executable bash script running command to <dir>/ro/<name>.
func (s *Area) WriteScript(name, command string) error {
	script := "#!/bin/bash\n" + command + "\n"
	p := filepath.Join(s.dir, "ro", name)
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		return err
	}
	return os.Chmod(p, 0o755)
}

// copyTree copies a file or a directory tree.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.CopyFS(dst, os.DirFS(src))
	}
	return copyFile(src, dst, info.Mode())
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
