package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/artifact"
	"github.com/k11v/deployer/internal/logstream"
	"github.com/k11v/deployer/internal/upload"
)

const DefaultOutputsRoot = "__outputs"

// Recorder persists the lifecycle of jobs.
// Its errors never fail a build.
type Recorder interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	SaveArtifacts(ctx context.Context, jobID uuid.UUID, artifacts []*artifact.Artifact) error
}

type nopRecorder struct{}

func (nopRecorder) CreateJob(context.Context, *Job) error { return nil }
func (nopRecorder) UpdateJob(context.Context, *Job) error { return nil }
func (nopRecorder) SaveArtifacts(context.Context, uuid.UUID, []*artifact.Artifact) error {
	return nil
}

// Orchestrator runs a build command, streams its output and uploads what it produced.
type Orchestrator struct {
	Launcher  Launcher            // required
	Storage   upload.Storage      // required
	Publisher logstream.Publisher // required
	Recorder  Recorder            // optional
	Logger    *slog.Logger        // default: slog.Default()

	ChannelPrefix     string // default: logstream.DefaultChannelPrefix
	OutputsRoot       string // default: DefaultOutputsRoot
	UploadConcurrency int    // default: upload.DefaultConcurrency
	RequireZeroExit   bool
}

func (o *Orchestrator) channelPrefix() string {
	p := o.ChannelPrefix
	if p == "" {
		p = logstream.DefaultChannelPrefix
	}
	return p
}

func (o *Orchestrator) outputsRoot() string {
	r := o.OutputsRoot
	if r == "" {
		r = DefaultOutputsRoot
	}
	return r
}

func (o *Orchestrator) recorder() Recorder {
	if o.Recorder == nil {
		return nopRecorder{}
	}
	return o.Recorder
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Run executes one build job to a terminal state and returns it.
//
// A job that ends in StateFailed is returned together with its fatal error,
// which is also stored in Job.Err. Upload failures don't fail the job: they
// are counted in Job.Failed.
func (o *Orchestrator) Run(ctx context.Context, params *RunParams) (*Job, error) {
	if params.ProjectID == "" {
		return nil, fmt.Errorf("build.Orchestrator: %w", ErrMissingProjectID)
	}

	job := newJob(params)
	r := &run{
		o:        o,
		job:      job,
		recorder: o.recorder(),
		log:      o.logger().With("job_id", job.ID, "project_id", job.ProjectID),
		logs: logstream.NewEmitter(
			o.Publisher,
			logstream.Channel(o.channelPrefix(), job.ProjectID),
			&logstream.EmitterOptions{Logger: o.logger()},
		),
	}
	defer r.logs.Close()

	if err := r.recorder.CreateJob(ctx, job); err != nil {
		if errors.Is(err, ErrAlreadyActive) {
			r.log.Warn("another build is active for the project")
		} else {
			r.log.Warn("didn't record job", "error", err)
		}
		// The job has no record to update.
		r.recorder = nopRecorder{}
	}

	r.do(ctx)
	if job.State == StateFailed {
		return job, fmt.Errorf("build.Orchestrator: %w", job.Err)
	}
	return job, nil
}

// run holds the state of a single Orchestrator.Run call.
type run struct {
	o        *Orchestrator
	job      *Job
	recorder Recorder
	log      *slog.Logger
	logs     *logstream.Emitter
}

func (r *run) do(ctx context.Context) {
	job := r.job

	r.transition(ctx, StateLaunching)
	r.logs.Emit("Executing build")
	proc, err := r.o.Launcher.Launch(ctx, job.SourceDir)
	if err != nil {
		r.fail(ctx, &LaunchError{Dir: job.SourceDir, Err: err})
		return
	}

	r.transition(ctx, StateRunning)
	var wg sync.WaitGroup
	for _, stream := range []io.Reader{proc.Stdout(), proc.Stderr()} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := forward(stream, r.logs); err != nil {
				r.log.Warn("didn't read build output", "error", err)
			}
		}()
	}
	wg.Wait()

	job.ExitCode, err = proc.Wait()
	if err != nil {
		r.log.Warn("didn't wait for build command", "error", err)
	}
	r.logs.Emit("Build Complete")
	r.log.Info("build command exited", "exit_code", job.ExitCode)

	if ctx.Err() != nil {
		r.fail(ctx, ctx.Err())
		return
	}
	if r.o.RequireZeroExit && job.ExitCode != 0 {
		r.fail(ctx, &ExitError{ExitCode: job.ExitCode})
		return
	}

	r.transition(ctx, StatePostBuild)
	outputDir, err := filepath.Abs(job.OutputDir)
	if err != nil {
		r.fail(ctx, &artifact.DiscoveryError{Root: job.OutputDir, Err: err})
		return
	}
	artifacts, err := artifact.Collect(outputDir)
	if err != nil {
		r.fail(ctx, err)
		return
	}

	r.transition(ctx, StateUploading)
	r.logs.Emit(fmt.Sprintf("Starting to upload %d files", len(artifacts)))
	pool := &upload.Pool{
		Storage:     r.o.Storage,
		Concurrency: r.o.UploadConcurrency,
		KeyPrefix:   path.Join(r.o.outputsRoot(), job.ProjectID),
		Logs:        r.logs,
	}
	summary := pool.Upload(ctx, outputDir, artifacts)
	job.Uploaded, job.Failed = summary.Uploaded, summary.Failed
	for _, f := range summary.Failures {
		r.log.Warn("didn't upload artifact", "key", f.Key, "error", f.Err)
	}

	recordCtx := context.WithoutCancel(ctx)
	if err = r.recorder.SaveArtifacts(recordCtx, job.ID, artifacts); err != nil {
		r.log.Warn("didn't record artifacts", "error", err)
	}

	r.transition(ctx, StateCompleted)
	r.logs.Emit(fmt.Sprintf("build completed for project %s: %d uploaded, %d failed", job.ProjectID, job.Uploaded, job.Failed))
	r.log.Info("completed build", "uploaded", job.Uploaded, "failed", job.Failed)
}

func (r *run) transition(ctx context.Context, state State) {
	r.job.State = state
	r.job.UpdatedAt = time.Now().UTC()
	r.log.Debug("changed job state", "state", state)

	if err := r.recorder.UpdateJob(context.WithoutCancel(ctx), r.job); err != nil {
		r.log.Warn("didn't record job", "state", state, "error", err)
	}
}

func (r *run) fail(ctx context.Context, err error) {
	r.job.Err = err
	r.transition(ctx, StateFailed)
	r.logs.Emit(fmt.Sprintf("build failed for project %s: %v", r.job.ProjectID, err))
	r.log.Error("failed build", "error", err)
}

// forward emits every chunk read from r as one log line, verbatim.
func forward(r io.Reader, logs *logstream.Emitter) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logs.Emit(string(buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
