package binding_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"sandboxd/internal/sandbox/binding"
	"sandboxd/internal/sandbox/execconfig"
	appErr "sandboxd/pkg/errors"
)

const mountRoot = "/mnt/sandboxd-test"

func newBuilder() *execconfig.Builder {
	return execconfig.NewBuilder().
		SetImageName("test-image").
		SetRestrictions(execconfig.CandidateRestrictions())
}

func TestApplyBindingsSubstitutions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		bindings map[string]binding.Binding
		want     []string
	}{
		{
			name:     "text binding",
			template: "before @VARIANT@ after",
			bindings: map[string]binding.Binding{binding.Variant: binding.TextBinding{Text: "test-variant"}},
			want:     []string{"before", "test-variant", "after"},
		},
		{
			name:     "image binding",
			template: "before @IMAGE@ after",
			bindings: map[string]binding.Binding{binding.Image: binding.ImageBinding{Path: "img"}},
			want:     []string{"before", "img", "after"},
		},
		{
			name:     "quoted argument keeps spaces",
			template: `sh -c "echo @VARIANT@"`,
			bindings: map[string]binding.Binding{binding.Variant: binding.TextBinding{Text: "v1"}},
			want:     []string{"sh", "-c", "echo v1"},
		},
		{
			name:     "no placeholders",
			template: "ls -la",
			want:     []string{"ls", "-la"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := binding.NewResolver(mountRoot, t.TempDir())
			b := newBuilder()
			if err := r.ApplyBindings(b, tt.template, tt.bindings, nil, execconfig.Compile); err != nil {
				t.Fatalf("ApplyBindings() error = %v", err)
			}
			cfg, err := b.Build()
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if got := cfg.Command(); !slices.Equal(got, tt.want) {
				t.Fatalf("Command() = %q, want %q", got, tt.want)
			}
			if len(cfg.PathSpecs()) != 0 {
				t.Fatalf("expected no mounts, got %v", cfg.PathSpecs())
			}
		})
	}
}

func TestFileBindingMountedOnce(t *testing.T) {
	t.Parallel()

	codeDir := t.TempDir()
	r := binding.NewResolver(mountRoot, t.TempDir())
	bindings := map[string]binding.Binding{
		binding.Submission: binding.NewFileBinding(codeDir, true, mountRoot, binding.FromTask),
	}

	b := newBuilder()
	template := "cp @SUBMISSION@/a @SUBMISSION@/b @SUBMISSION@"
	if err := r.ApplyBindings(b, template, bindings, nil, execconfig.Compile); err != nil {
		t.Fatalf("ApplyBindings() error = %v", err)
	}
	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	mount := mountRoot + "/SUBMISSION"
	want := []string{"cp", mount + "/a", mount + "/b", mount}
	if got := cfg.Command(); !slices.Equal(got, want) {
		t.Fatalf("Command() = %q, want %q", got, want)
	}
	specs := cfg.PathSpecs()
	if len(specs) != 1 {
		t.Fatalf("expected exactly one mount, got %d: %v", len(specs), specs)
	}
	if specs[0] != execconfig.NewPathSpecification(codeDir, mount, true) {
		t.Fatalf("mount = %+v", specs[0])
	}
}

func TestFileBindingMountedPerCall(t *testing.T) {
	t.Parallel()

	codeDir := t.TempDir()
	r := binding.NewResolver(mountRoot, t.TempDir())
	bindings := map[string]binding.Binding{
		binding.Shared: binding.NewFileBinding(codeDir, false, mountRoot, binding.FromTask),
	}

	for i := 0; i < 2; i++ {
		b := newBuilder()
		if err := r.ApplyBindings(b, "cat @SHARED@", bindings, nil, execconfig.Compile); err != nil {
			t.Fatalf("ApplyBindings() error = %v", err)
		}
		if got := len(b.PathSpecs()); got != 1 {
			t.Fatalf("call %d: mounts = %d, want 1", i, got)
		}
	}
}

func TestPreviousStepBinding(t *testing.T) {
	t.Parallel()

	scratch := t.TempDir()
	r := binding.NewResolver(mountRoot, scratch)
	b := newBuilder()

	steps := map[string]string{"test-step": "test-response"}
	if err := r.ApplyBindings(b, "cat @test-step@", nil, steps, execconfig.Compile); err != nil {
		t.Fatalf("ApplyBindings() error = %v", err)
	}

	hostFile := filepath.Join(scratch, "test-step")
	data, err := os.ReadFile(hostFile)
	if err != nil {
		t.Fatalf("read step output: %v", err)
	}
	if string(data) != "test-response" {
		t.Fatalf("step output = %q", data)
	}

	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	mount := mountRoot + "/test-step"
	if got := cfg.Command(); !slices.Equal(got, []string{"cat", mount}) {
		t.Fatalf("Command() = %q", got)
	}
	want := []execconfig.PathSpecification{execconfig.NewPathSpecification(hostFile, mount, false)}
	if got := cfg.PathSpecs(); !slices.Equal(got, want) {
		t.Fatalf("PathSpecs() = %v, want %v", got, want)
	}
}

func TestApplyBindingsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		code     appErr.ErrorCode
	}{
		{name: "unknown binding", template: "run @MISSING@", code: appErr.UnknownBinding},
		{name: "unbalanced quote", template: `echo "oops`, code: appErr.MalformedCommand},
		{name: "blank", template: "   ", code: appErr.MalformedCommand},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := binding.NewResolver(mountRoot, t.TempDir())
			err := r.ApplyBindings(newBuilder(), tt.template, nil, nil, execconfig.Compile)
			if !appErr.Is(err, tt.code) {
				t.Fatalf("error = %v, want code %d", err, tt.code)
			}
			if !appErr.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if appErr.IsRetryable(err) {
				t.Fatalf("configuration errors must not be retryable")
			}
		})
	}
}

func TestUserControlledBindingTaints(t *testing.T) {
	t.Parallel()

	r := binding.NewResolver(mountRoot, t.TempDir())
	bindings := map[string]binding.Binding{
		binding.Submission: binding.NewFileBinding(t.TempDir(), true, mountRoot, binding.UserControlled),
		binding.Task:       binding.NewFileBinding(t.TempDir(), false, mountRoot, binding.FromTask),
	}

	clean := newBuilder()
	if err := r.ApplyBindings(clean, "run @TASK@", bindings, nil, execconfig.Parameterisation("repo-1")); err != nil {
		t.Fatalf("ApplyBindings() error = %v", err)
	}
	cfg, _ := clean.Build()
	if cfg.Taint().Identity() != "" {
		t.Fatalf("task-only execution should stay untainted, got %s", cfg.Taint())
	}

	tainted := newBuilder()
	if err := r.ApplyBindings(tainted, "run @TASK@ @SUBMISSION@", bindings, nil, execconfig.Parameterisation("repo-1")); err != nil {
		t.Fatalf("ApplyBindings() error = %v", err)
	}
	cfg, _ = tainted.Build()
	if cfg.Taint().Identity() != "repo-1" {
		t.Fatalf("Identity() = %q, want repo-1", cfg.Taint().Identity())
	}
}

func TestNamesAndQuote(t *testing.T) {
	t.Parallel()

	names := binding.Names("@A@ x @B@ @A@ @c-1@")
	if !slices.Equal(names, []string{"A", "B", "c-1"}) {
		t.Fatalf("Names() = %v", names)
	}

	got := binding.Quote([]string{"echo", "hello world", "it's", ""})
	want := `echo 'hello world' 'it'\''s' ''`
	if got != want {
		t.Fatalf("Quote() = %s, want %s", got, want)
	}
}
