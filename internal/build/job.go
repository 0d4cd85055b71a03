package build

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle      State = "idle"
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StatePostBuild State = "post_build"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func ParseState(s string) (state State, known bool) {
	state = State(s)
	switch state {
	case StateIdle, StateLaunching, StateRunning, StatePostBuild, StateUploading, StateCompleted, StateFailed:
		return state, true
	default:
		return state, false
	}
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether a job in state s is still being worked on.
func (s State) Active() bool {
	return !s.Terminal() && s != StateIdle
}

type Job struct {
	ID        uuid.UUID
	ProjectID string
	SourceDir string
	OutputDir string
	State     State
	ExitCode  int // -1 until the build command has exited
	Uploaded  int
	Failed    int
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	DefaultSourceDir    = "output"
	DefaultOutputSubdir = "build"
)

type RunParams struct {
	ProjectID    string // required, lowercased since it is served as a host label
	SourceDir    string // default: DefaultSourceDir
	OutputSubdir string // default: DefaultOutputSubdir
}

func newJob(params *RunParams) *Job {
	sourceDir := params.SourceDir
	if sourceDir == "" {
		sourceDir = DefaultSourceDir
	}
	outputSubdir := params.OutputSubdir
	if outputSubdir == "" {
		outputSubdir = DefaultOutputSubdir
	}

	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New(),
		ProjectID: strings.ToLower(params.ProjectID),
		SourceDir: sourceDir,
		OutputDir: filepath.Join(sourceDir, outputSubdir),
		State:     StateIdle,
		ExitCode:  -1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
