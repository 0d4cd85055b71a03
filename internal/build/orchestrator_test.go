package build

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/artifact"
)

type SpyPublisher struct {
	mu       sync.Mutex
	channels []string
	lines    []string
}

func (p *SpyPublisher) Publish(_ context.Context, channel string, message []byte) error {
	var event struct {
		Log string `json:"log"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.lines = append(p.lines, event.Log)
	return nil
}

func (p *SpyPublisher) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.lines)
}

type StubStorage struct {
	mu       sync.Mutex
	keys     []string
	FailKeys map[string]bool
}

func (s *StubStorage) Put(_ context.Context, key string, body io.Reader, _ string) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	if s.FailKeys[key] {
		return errors.New("put failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

func (s *StubStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := slices.Clone(s.keys)
	slices.Sort(keys)
	return keys
}

// lineReader returns one line per Read call.
type lineReader struct {
	lines []string
}

func (r *lineReader) Read(p []byte) (int, error) {
	if len(r.lines) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.lines[0])
	r.lines = r.lines[1:]
	return n, nil
}

type StubProcess struct {
	StdoutLines []string
	StderrLines []string
	ExitCode    int
}

func (p *StubProcess) Stdout() io.Reader  { return &lineReader{lines: p.StdoutLines} }
func (p *StubProcess) Stderr() io.Reader  { return &lineReader{lines: p.StderrLines} }
func (p *StubProcess) Wait() (int, error) { return p.ExitCode, nil }

// StubLauncher writes Files into the launch directory and returns Process.
type StubLauncher struct {
	Process *StubProcess
	Files   map[string]string
	Err     error
}

func (l *StubLauncher) Launch(_ context.Context, dir string) (Process, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	for name, content := range l.Files {
		file := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(file), 0o777); err != nil {
			return nil, err
		}
		if err := os.WriteFile(file, []byte(content), 0o666); err != nil {
			return nil, err
		}
	}
	return l.Process, nil
}

type SpyRecorder struct {
	mu        sync.Mutex
	states    []State
	artifacts int
	CreateErr error
	UpdateErr error
}

func (r *SpyRecorder) CreateJob(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, job.State)
	return r.CreateErr
}

func (r *SpyRecorder) UpdateJob(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, job.State)
	return r.UpdateErr
}

func (r *SpyRecorder) SaveArtifacts(_ context.Context, _ uuid.UUID, artifacts []*artifact.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts += len(artifacts)
	return nil
}

func TestOrchestratorRun(t *testing.T) {
	t.Run("uploads build output and completes", func(t *testing.T) {
		ctx := context.Background()
		sourceDir := t.TempDir()
		publisher := &SpyPublisher{}
		storage := &StubStorage{}
		recorder := &SpyRecorder{}
		o := &Orchestrator{
			Launcher: &StubLauncher{
				Process: &StubProcess{StdoutLines: []string{"compiling\n"}},
				Files: map[string]string{
					"build/index.html":    "<h1>hi</h1>",
					"build/assets/app.js": "console.log(1)",
				},
			},
			Storage:   storage,
			Publisher: publisher,
			Recorder:  recorder,
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: sourceDir})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := job.State, StateCompleted; got != want {
			t.Fatalf("got %q state, want %q", got, want)
		}
		if got, want := job.ExitCode, 0; got != want {
			t.Errorf("got %d exit code, want %d", got, want)
		}
		if got, want := job.Uploaded, 2; got != want {
			t.Errorf("got %d uploaded, want %d", got, want)
		}
		if got, want := storage.Keys(), []string{"__outputs/proj123/assets/app.js", "__outputs/proj123/index.html"}; !slices.Equal(got, want) {
			t.Errorf("got %v keys, want %v", got, want)
		}

		wantStates := []State{StateIdle, StateLaunching, StateRunning, StatePostBuild, StateUploading, StateCompleted}
		if got := recorder.states; !slices.Equal(got, wantStates) {
			t.Errorf("got %v states, want %v", got, wantStates)
		}
		if got, want := recorder.artifacts, 2; got != want {
			t.Errorf("got %d recorded artifacts, want %d", got, want)
		}

		lines := publisher.Lines()
		if got, want := lines[len(lines)-1], "build completed for project proj123: 2 uploaded, 0 failed"; got != want {
			t.Errorf("got %q last line, want %q", got, want)
		}
		for _, channel := range publisher.channels {
			if got, want := channel, "logs:proj123"; got != want {
				t.Fatalf("got %q channel, want %q", got, want)
			}
		}
	})

	t.Run("fails without uploads when the build can't be launched", func(t *testing.T) {
		ctx := context.Background()
		publisher := &SpyPublisher{}
		storage := &StubStorage{}
		launchErr := errors.New("sh not found")
		o := &Orchestrator{
			Launcher:  &StubLauncher{Err: launchErr},
			Storage:   storage,
			Publisher: publisher,
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: t.TempDir()})
		if err == nil {
			t.Fatal("got nil err, want error")
		}
		if !errors.Is(err, job.Err) {
			t.Errorf("got %v, want it to wrap %v", err, job.Err)
		}

		if got, want := job.State, StateFailed; got != want {
			t.Fatalf("got %q state, want %q", got, want)
		}
		if launchError := (*LaunchError)(nil); !errors.As(job.Err, &launchError) {
			t.Fatalf("got %v, want LaunchError", job.Err)
		}
		if !errors.Is(job.Err, launchErr) {
			t.Errorf("got %v, want %v", job.Err, launchErr)
		}
		if got := storage.Keys(); len(got) != 0 {
			t.Errorf("got %v keys, want none", got)
		}
		lines := publisher.Lines()
		if got := lines[len(lines)-1]; !strings.HasPrefix(got, "build failed for project proj123") {
			t.Errorf("got %q last line, want build failed", got)
		}
	})

	t.Run("uploads output of a build that exited with non-zero code", func(t *testing.T) {
		ctx := context.Background()
		o := &Orchestrator{
			Launcher: &StubLauncher{
				Process: &StubProcess{StderrLines: []string{"warning\n"}, ExitCode: 2},
				Files:   map[string]string{"build/index.html": "partial"},
			},
			Storage:   &StubStorage{},
			Publisher: &SpyPublisher{},
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: t.TempDir()})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := job.State, StateCompleted; got != want {
			t.Fatalf("got %q state, want %q", got, want)
		}
		if got, want := job.ExitCode, 2; got != want {
			t.Errorf("got %d exit code, want %d", got, want)
		}
		if got, want := job.Uploaded, 1; got != want {
			t.Errorf("got %d uploaded, want %d", got, want)
		}
	})

	t.Run("fails a build that exited with non-zero code when zero exit is required", func(t *testing.T) {
		ctx := context.Background()
		storage := &StubStorage{}
		o := &Orchestrator{
			Launcher: &StubLauncher{
				Process: &StubProcess{ExitCode: 1},
				Files:   map[string]string{"build/index.html": "partial"},
			},
			Storage:         storage,
			Publisher:       &SpyPublisher{},
			RequireZeroExit: true,
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: t.TempDir()})
		if err == nil {
			t.Fatal("got nil err, want error")
		}
		if !errors.Is(err, job.Err) {
			t.Errorf("got %v, want it to wrap %v", err, job.Err)
		}

		if got, want := job.State, StateFailed; got != want {
			t.Fatalf("got %q state, want %q", got, want)
		}
		if exitErr := (*ExitError)(nil); !errors.As(job.Err, &exitErr) || exitErr.ExitCode != 1 {
			t.Errorf("got %v, want ExitError with code 1", job.Err)
		}
		if got := storage.Keys(); len(got) != 0 {
			t.Errorf("got %v keys, want none", got)
		}
	})

	t.Run("fails when the output directory is missing", func(t *testing.T) {
		ctx := context.Background()
		o := &Orchestrator{
			Launcher:  &StubLauncher{Process: &StubProcess{}},
			Storage:   &StubStorage{},
			Publisher: &SpyPublisher{},
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: t.TempDir()})
		if err == nil {
			t.Fatal("got nil err, want error")
		}
		if !errors.Is(err, job.Err) {
			t.Errorf("got %v, want it to wrap %v", err, job.Err)
		}

		if got, want := job.State, StateFailed; got != want {
			t.Fatalf("got %q state, want %q", got, want)
		}
		if discoveryErr := (*artifact.DiscoveryError)(nil); !errors.As(job.Err, &discoveryErr) {
			t.Errorf("got %v, want DiscoveryError", job.Err)
		}
	})

	t.Run("completes with failures when some uploads fail", func(t *testing.T) {
		ctx := context.Background()
		o := &Orchestrator{
			Launcher: &StubLauncher{
				Process: &StubProcess{},
				Files: map[string]string{
					"build/a.html": "a",
					"build/b.css":  "b",
					"build/c.js":   "c",
				},
			},
			Storage:   &StubStorage{FailKeys: map[string]bool{"__outputs/proj123/b.css": true}},
			Publisher: &SpyPublisher{},
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: t.TempDir()})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := job.State, StateCompleted; got != want {
			t.Fatalf("got %q state, want %q", got, want)
		}
		if job.Uploaded != 2 || job.Failed != 1 {
			t.Errorf("got %d uploaded and %d failed, want 2 and 1", job.Uploaded, job.Failed)
		}
	})

	t.Run("streams build output before the completion line", func(t *testing.T) {
		ctx := context.Background()
		publisher := &SpyPublisher{}
		o := &Orchestrator{
			Launcher: &StubLauncher{
				Process: &StubProcess{StdoutLines: []string{"L1\n", "L2\n", "L3\n"}},
				Files:   map[string]string{"build/index.html": "x"},
			},
			Storage:   &StubStorage{},
			Publisher: publisher,
		}

		if _, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: t.TempDir()}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		lines := publisher.Lines()
		var got []string
		for _, line := range lines {
			switch line {
			case "L1\n", "L2\n", "L3\n", "Build Complete":
				got = append(got, line)
			}
		}
		if want := []string{"L1\n", "L2\n", "L3\n", "Build Complete"}; !slices.Equal(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("ignores recorder failures", func(t *testing.T) {
		ctx := context.Background()
		o := &Orchestrator{
			Launcher: &StubLauncher{
				Process: &StubProcess{},
				Files:   map[string]string{"build/index.html": "x"},
			},
			Storage:   &StubStorage{},
			Publisher: &SpyPublisher{},
			Recorder:  &SpyRecorder{CreateErr: ErrAlreadyActive, UpdateErr: errors.New("db down")},
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: t.TempDir()})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := job.State, StateCompleted; got != want {
			t.Errorf("got %q state, want %q", got, want)
		}
	})

	t.Run("publishes a mixed-case project under its lowercase id", func(t *testing.T) {
		ctx := context.Background()
		publisher := &SpyPublisher{}
		storage := &StubStorage{}
		o := &Orchestrator{
			Launcher: &StubLauncher{
				Process: &StubProcess{},
				Files:   map[string]string{"build/index.html": "hi"},
			},
			Storage:   storage,
			Publisher: publisher,
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "Proj123", SourceDir: t.TempDir()})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := job.ProjectID, "proj123"; got != want {
			t.Errorf("got %q project id, want %q", got, want)
		}
		if got, want := storage.Keys(), []string{"__outputs/proj123/index.html"}; !slices.Equal(got, want) {
			t.Errorf("got %v keys, want %v", got, want)
		}
		for _, channel := range publisher.channels {
			if got, want := channel, "logs:proj123"; got != want {
				t.Fatalf("got %q channel, want %q", got, want)
			}
		}
	})

	t.Run("rejects a missing project id", func(t *testing.T) {
		o := &Orchestrator{Publisher: &SpyPublisher{}}

		_, err := o.Run(context.Background(), &RunParams{})
		if got, want := err, ErrMissingProjectID; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})
}

func TestShellLauncher(t *testing.T) {
	t.Run("runs a command and reports its output and exit code", func(t *testing.T) {
		ctx := context.Background()
		launcher := &ShellLauncher{Command: "echo out; echo err >&2; exit 3"}

		proc, err := launcher.Launch(ctx, t.TempDir())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		var stdout, stderr []byte
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			stdout, _ = io.ReadAll(proc.Stdout())
		}()
		go func() {
			defer wg.Done()
			stderr, _ = io.ReadAll(proc.Stderr())
		}()
		wg.Wait()

		exitCode, err := proc.Wait()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := exitCode, 3; got != want {
			t.Errorf("got %d exit code, want %d", got, want)
		}
		if got, want := string(stdout), "out\n"; got != want {
			t.Errorf("got %q stdout, want %q", got, want)
		}
		if got, want := string(stderr), "err\n"; got != want {
			t.Errorf("got %q stderr, want %q", got, want)
		}
	})

	t.Run("fails to launch in a missing directory", func(t *testing.T) {
		launcher := &ShellLauncher{Command: "true"}

		_, err := launcher.Launch(context.Background(), filepath.Join(t.TempDir(), "missing"))
		if err == nil {
			t.Fatal("got nil err, want error")
		}
	})

	t.Run("stops the command and its children when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		launcher := &ShellLauncher{Command: "sleep 30; true"}

		proc, err := launcher.Launch(ctx, t.TempDir())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		begin := time.Now()
		time.AfterFunc(100*time.Millisecond, cancel)

		var wg sync.WaitGroup
		for _, stream := range []io.Reader{proc.Stdout(), proc.Stderr()} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = io.Copy(io.Discard, stream)
			}()
		}
		wg.Wait()
		_, _ = proc.Wait()

		if elapsed := time.Since(begin); elapsed > 5*time.Second {
			t.Errorf("got %v until exit, want less than %v", elapsed, 5*time.Second)
		}
	})

	t.Run("runs a full build through the orchestrator", func(t *testing.T) {
		ctx := context.Background()
		publisher := &SpyPublisher{}
		storage := &StubStorage{}
		o := &Orchestrator{
			Launcher:  &ShellLauncher{Command: "echo L1; echo L2; echo L3; mkdir -p dist && echo hi > dist/index.html"},
			Storage:   storage,
			Publisher: publisher,
		}

		job, err := o.Run(ctx, &RunParams{ProjectID: "proj123", SourceDir: t.TempDir(), OutputSubdir: "dist"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := job.State, StateCompleted; got != want {
			t.Fatalf("got %q state, want %q (err %v)", got, want, job.Err)
		}
		if got, want := storage.Keys(), []string{"__outputs/proj123/index.html"}; !slices.Equal(got, want) {
			t.Errorf("got %v keys, want %v", got, want)
		}
		if got, want := strings.Join(publisher.Lines(), ""), "L1\nL2\nL3\n"; !strings.Contains(got, want) {
			t.Errorf("got %q, want it to contain %q", got, want)
		}
	})
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"idle", "launching", "running", "post_build", "uploading", "completed", "failed"} {
		if _, known := ParseState(s); !known {
			t.Errorf("got unknown %q, want known", s)
		}
	}
	if _, known := ParseState("paused"); known {
		t.Error("got known paused, want unknown")
	}
	if !StateFailed.Terminal() || StateRunning.Terminal() {
		t.Error("got wrong Terminal")
	}
	if !StateUploading.Active() || StateIdle.Active() || StateCompleted.Active() {
		t.Error("got wrong Active")
	}
}
