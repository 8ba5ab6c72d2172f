package staging_test

import (
	"os"
	"path/filepath"
	"testing"

	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/staging"
	appErr "sandboxd/pkg/errors"
)

func TestStageAndRestore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rw := filepath.Join(root, "code")
	ro := filepath.Join(root, "task.txt")
	if err := os.MkdirAll(rw, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rw, "main.c"), []byte("int main;"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ro, []byte("spec"), 0o644); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(root, "stage")
	area, err := staging.New(dir, "/inner", []execconfig.PathSpecification{
		execconfig.NewPathSpecification(rw, "/mnt/x/SUBMISSION", true),
		execconfig.NewPathSpecification(ro, "/mnt/x/TASK", false),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := os.Stat(rw); !os.IsNotExist(err) {
		t.Fatalf("read-write source should have been moved, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "rw", "0-SUBMISSION", "main.c")); err != nil {
		t.Fatalf("staged rw file missing: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "ro", "1-TASK")); err != nil || string(data) != "spec" {
		t.Fatalf("staged ro copy = %q, %v", data, err)
	}

	got := area.Rewrite("gcc /mnt/x/SUBMISSION/main.c -D$(cat /mnt/x/TASK)")
	want := "gcc /inner/rw/0-SUBMISSION/main.c -D$(cat /inner/ro/1-TASK)"
	if got != want {
		t.Fatalf("Rewrite() = %q, want %q", got, want)
	}

	if err := area.WriteScript("run", "echo hi"); err != nil {
		t.Fatalf("WriteScript() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "ro", "run"))
	if err != nil || info.Mode().Perm() != 0o755 {
		t.Fatalf("script mode = %v, %v", info, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "rw", "0-SUBMISSION", "a.out"), []byte("bin"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := area.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(rw, "a.out")); err != nil {
		t.Fatalf("output written while staged should be back at the source: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ro", "1-TASK")); !os.IsNotExist(err) {
		t.Fatalf("read-only copy should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(ro); err != nil {
		t.Fatalf("read-only source must stay: %v", err)
	}
}

func TestRewriteLongestFirst(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	area, err := staging.New(filepath.Join(root, "stage"), "/i", []execconfig.PathSpecification{
		execconfig.NewPathSpecification(filepath.Join(root, "a"), "/m/STEP", true),
		execconfig.NewPathSpecification(filepath.Join(root, "b"), "/m/STEP-2", true),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer area.Restore()

	if got := area.Rewrite("cat /m/STEP-2 /m/STEP"); got != "cat /i/rw/1-STEP-2 /i/rw/0-STEP" {
		t.Fatalf("Rewrite() = %q", got)
	}
}

func TestStageMissingReadOnlySource(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	missing := filepath.Join(root, "missing")
	area, err := staging.New(filepath.Join(root, "stage"), "/i", []execconfig.PathSpecification{
		execconfig.NewPathSpecification(missing, "/m/TASK", false),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer area.Restore()

	if info, err := os.Stat(missing); err != nil || !info.IsDir() {
		t.Fatalf("missing source should be created as a directory: %v", err)
	}
	if info, err := os.Stat(filepath.Join(root, "stage", "ro", "0-TASK")); err != nil || !info.IsDir() {
		t.Fatalf("staged copy = %v, %v", info, err)
	}
}

func TestStageFailureRestores(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rw := filepath.Join(root, "code")
	ro := filepath.Join(root, "task")
	dir := filepath.Join(root, "stage")
	for _, d := range []string{rw, ro, filepath.Join(dir, "ro", "1-TASK")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// The copy refuses to overwrite a file already sitting in the staging area.
	for _, f := range []string{filepath.Join(ro, "f"), filepath.Join(dir, "ro", "1-TASK", "f")} {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	_, err := staging.New(dir, "/i", []execconfig.PathSpecification{
		execconfig.NewPathSpecification(rw, "/m/SUBMISSION", true),
		execconfig.NewPathSpecification(ro, "/m/TASK", false),
	})
	if !appErr.Is(err, appErr.SwizzleFailed) {
		t.Fatalf("error = %v, want SwizzleFailed", err)
	}
	if _, err := os.Stat(rw); err != nil {
		t.Fatalf("already staged source should have been restored: %v", err)
	}
}

func TestStageAcrossFilesystems(t *testing.T) {
	t.Parallel()

	shm, err := os.MkdirTemp("/dev/shm", "staging-")
	if err != nil {
		t.Skipf("tmpfs not available: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(shm) })

	rw := filepath.Join(shm, "code")
	if err := os.MkdirAll(filepath.Join(rw, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rw, "src", "main.c"), []byte("int main;"), 0o644); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "stage")
	area, err := staging.New(dir, "/i", []execconfig.PathSpecification{
		execconfig.NewPathSpecification(rw, "/m/SUBMISSION", true),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := os.Stat(rw); !os.IsNotExist(err) {
		t.Fatalf("source should have been moved, stat err = %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "rw", "0-SUBMISSION", "src", "main.c")); err != nil || string(data) != "int main;" {
		t.Fatalf("staged file = %q, %v", data, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "rw", "0-SUBMISSION", "a.out"), []byte("bin"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := area.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(rw, "a.out")); err != nil || string(data) != "bin" {
		t.Fatalf("restored output = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "rw", "0-SUBMISSION")); !os.IsNotExist(err) {
		t.Fatalf("staged copy should be gone after restore, stat err = %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	if got := staging.SanitizeName("pre-registry/img:1.0-repo-abc"); got != "pre-registry-img-1.0-repo-abc" {
		t.Fatalf("SanitizeName() = %q", got)
	}
}
