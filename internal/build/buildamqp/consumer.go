package buildamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/deployer/internal/amqputil"
	"github.com/k11v/deployer/internal/build"
)

// Runner runs a build job. It is implemented by build.Orchestrator.
type Runner interface {
	Run(ctx context.Context, params *build.RunParams) (*build.Job, error)
}

// Handler runs the build requested by a delivery and acknowledges it.
type Handler struct {
	Runner       Runner       // required
	OutputSubdir string       // passed to every run
	Logger       *slog.Logger // default: slog.Default()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Handle rejects malformed deliveries without requeueing them.
// A build that ends in the failed state is still acknowledged unless ctx was
// cancelled during the run, in which case the delivery is requeued.
func (h *Handler) Handle(ctx context.Context, m amqp091.Delivery) {
	log := h.logger()

	if err := m.Headers.Validate(); err != nil {
		log.Error("rejected message", "error", fmt.Errorf("invalid header: %w", err))
		_ = m.Nack(false, false)
		return
	}

	req, err := decodeRequest(m.Body)
	if err != nil {
		log.Error("rejected message", "error", err)
		_ = m.Nack(false, false)
		return
	}

	job, err := h.Runner.Run(ctx, &build.RunParams{
		ProjectID:    req.ProjectID,
		SourceDir:    req.SourceDir,
		OutputSubdir: h.OutputSubdir,
	})
	if ctx.Err() != nil {
		// Interrupted by shutdown.
		log.Warn("requeued interrupted build", "project_id", req.ProjectID, "error", err)
		_ = m.Nack(false, true)
		return
	}
	if err != nil && job == nil {
		log.Error("didn't run build", "project_id", req.ProjectID, "error", err)
		_ = m.Nack(false, false)
		return
	}
	if err != nil {
		log.Warn("build failed", "project_id", req.ProjectID, "job_id", job.ID, "error", err)
	}

	log.Info("handled build request", "project_id", req.ProjectID, "job_id", job.ID, "state", job.State)
	_ = m.Ack(false)
}

// Consumer consumes build requests one at a time and reconnects when
// the connection to the broker is lost.
type Consumer struct {
	ConnectionString string       // required
	Queue            string       // default: DefaultQueue
	Handler          *Handler     // required
	Logger           *slog.Logger // default: slog.Default()
}

func (c *Consumer) queue() string {
	q := c.Queue
	if q == "" {
		q = DefaultQueue
	}
	return q
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Run consumes until ctx is done. It returns ctx.Err().
func (c *Consumer) Run(ctx context.Context) error {
	log := c.logger().With("queue", c.queue())

	retries := 0
	for {
		consumeErr := c.consume(ctx, func() {
			if retries > 0 {
				log.Info("recovered", "retries", retries)
				retries = 0
			}
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("didn't consume", "error", consumeErr)

		retries++
		select {
		case <-time.After(retryWaitDuration(retries - 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
		log.Info("retrying", "retries", retries)
	}
}

func (c *Consumer) consume(ctx context.Context, handled func()) error {
	conn, err := amqp091.Dial(c.ConnectionString)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := amqputil.QueueDeclare(ch, queueDeclareParams(c.queue()))
	if err != nil {
		return err
	}

	if err = ch.Qos(1, 0, false); err != nil {
		return err
	}

	messages, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger().Info("starting consuming", "queue", q.Name)
	for {
		select {
		case m, ok := <-messages:
			if !ok {
				return errors.New("delivery channel is closed")
			}
			c.Handler.Handle(ctx, m)
			handled()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retryWaitDuration calculates the wait duration for a retry.
// It is calculated using exponential backoff with jitter.
// It grows with each retry and stops growing after thirteenth retry
// where it is chosen from the the interval (32.4s, 97.4s).
// The first retry number is 0, the thirteenth is 12.
func retryWaitDuration(retry int) time.Duration {
	n := min(retry, 12)
	second := int(time.Second)

	// start with 0.5s
	duration := second / 2

	// multiply by 1.5 to the power of n
	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	// add or subtract up to 50%
	jitter := rand.IntN(duration) - duration/2
	duration += jitter

	return time.Duration(duration)
}
