package temporal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"

	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

// =============================================================================
// Workflow and Activity Names
// =============================================================================

// Registered names for the queued-task workflow and its activities. Enqueue starts
// workflows by name so the caller does not need the workflow function.
const (
	// WorkflowRunQueuedTask runs one taskqueue.Task.
	WorkflowRunQueuedTask = "RunQueuedTask"

	// ActivityRunTask invokes the task handler.
	ActivityRunTask = "RunTask"

	// ActivityTaskFailed invokes the failure hook after the last attempt.
	ActivityTaskFailed = "TaskFailed"
)

// Defaults for the queue backend.
const (
	// DefaultTaskQueuePrefix is prepended to logical queue names.
	DefaultTaskQueuePrefix = "litpipe-"

	// DefaultHealthCheckTimeout is the timeout for Temporal server health checks.
	DefaultHealthCheckTimeout = 5 * time.Second

	listPageSize = 100
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrWorkflowNotFound indicates the workflow execution was not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyStarted indicates a workflow with the same ID is already running.
	ErrWorkflowAlreadyStarted = errors.New("workflow already started")

	// ErrConnectionFailed indicates a connection failure to the Temporal server.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNamespaceNotFound indicates the namespace does not exist.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrPermissionDenied indicates insufficient permissions.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument indicates an invalid argument was provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceExhausted indicates resource limits have been reached.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDeadlineExceeded indicates the operation deadline was exceeded.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrCanceled indicates the caller cancelled the operation.
	ErrCanceled = errors.New("canceled")
)

// =============================================================================
// Error Helpers
// =============================================================================

// TemporalError wraps a Temporal error with additional context.
type TemporalError struct {
	Op         string // Operation that failed
	Kind       error  // Category of error (sentinel)
	WorkflowID string // Workflow ID (if applicable)
	Err        error  // Underlying error
}

// Error returns the error message.
func (e *TemporalError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.WorkflowID != "" {
		msg += fmt.Sprintf(" [workflowID=%s]", e.WorkflowID)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TemporalError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error's Kind.
func (e *TemporalError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// wrapTemporalError converts a Temporal SDK error to a TemporalError.
func wrapTemporalError(op string, err error, workflowID string) error {
	if err == nil {
		return nil
	}

	te := &TemporalError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}

	var notFoundErr *serviceerror.NotFound
	var alreadyStartedErr *serviceerror.WorkflowExecutionAlreadyStarted
	var namespaceNotFoundErr *serviceerror.NamespaceNotFound
	var permissionDeniedErr *serviceerror.PermissionDenied
	var invalidArgumentErr *serviceerror.InvalidArgument
	var resourceExhaustedErr *serviceerror.ResourceExhausted
	var deadlineExceededErr *serviceerror.DeadlineExceeded

	switch {
	case errors.As(err, &notFoundErr):
		te.Kind = ErrWorkflowNotFound
	case errors.As(err, &alreadyStartedErr):
		te.Kind = ErrWorkflowAlreadyStarted
	case errors.As(err, &namespaceNotFoundErr):
		te.Kind = ErrNamespaceNotFound
	case errors.As(err, &permissionDeniedErr):
		te.Kind = ErrPermissionDenied
	case errors.As(err, &invalidArgumentErr):
		te.Kind = ErrInvalidArgument
	case errors.As(err, &resourceExhaustedErr):
		te.Kind = ErrResourceExhausted
	case errors.As(err, &deadlineExceededErr), errors.Is(err, context.DeadlineExceeded):
		te.Kind = ErrDeadlineExceeded
	case errors.Is(err, context.Canceled):
		te.Kind = ErrCanceled
	default:
		te.Kind = ErrConnectionFailed
	}

	return te
}

// IsWorkflowNotFound checks if the error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsWorkflowAlreadyStarted checks if the error indicates a workflow already started.
func IsWorkflowAlreadyStarted(err error) bool {
	return errors.Is(err, ErrWorkflowAlreadyStarted)
}

// =============================================================================
// TLS Configuration
// =============================================================================

// TLSConfig contains TLS configuration for the Temporal client.
type TLSConfig struct {
	// Enabled enables TLS for the connection.
	Enabled bool

	// CertPath is the path to the client certificate file (PEM format).
	CertPath string

	// KeyPath is the path to the client private key file (PEM format).
	KeyPath string

	// CACertPath is the path to the CA certificate file (PEM format).
	CACertPath string

	// ServerName is the expected server name for certificate verification.
	ServerName string
}

// buildTLSConfig creates a *tls.Config from TLSConfig.
func (t *TLSConfig) buildTLSConfig() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		ServerName: t.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if t.CertPath != "" && t.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if t.CACertPath != "" {
		caCert, err := os.ReadFile(t.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}

// =============================================================================
// Client Configuration
// =============================================================================

// ClientConfig contains configuration for the Temporal client.
type ClientConfig struct {
	// HostPort is the Temporal server address (e.g., "localhost:7233").
	HostPort string

	// Namespace is the Temporal namespace to use.
	Namespace string

	// TaskQueuePrefix is prepended to logical queue names to form task queue names.
	TaskQueuePrefix string

	// MaxAttempts is the number of handler attempts per task.
	MaxAttempts int

	// TLS contains optional TLS configuration.
	TLS *TLSConfig

	// Logger receives SDK log output. Nil uses the SDK default.
	Logger log.Logger
}

// NewClient creates a new Temporal client with the given configuration.
func NewClient(cfg ClientConfig) (client.Client, error) {
	options := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	}
	if cfg.Logger != nil {
		options.Logger = cfg.Logger
	}

	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := cfg.TLS.buildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("configure TLS: %w", err)
		}
		options.ConnectionOptions = client.ConnectionOptions{
			TLS: tlsConfig,
		}
	}

	c, err := client.Dial(options)
	if err != nil {
		return nil, fmt.Errorf("create Temporal client: %w", err)
	}

	return c, nil
}

// =============================================================================
// Queue Client
// =============================================================================

var (
	_ taskqueue.Enqueuer = (*QueueClient)(nil)
	_ taskqueue.Admin    = (*QueueClient)(nil)
)

// QueueClient submits queue tasks as workflow executions and administers the task
// queues they run on.
type QueueClient struct {
	client      client.Client
	namespace   string
	prefix      string
	maxAttempts int
	metrics     taskqueue.Recorder

	now func() time.Time
}

// NewQueueClient creates a QueueClient on an existing Temporal client.
func NewQueueClient(c client.Client, cfg ClientConfig, metrics taskqueue.Recorder) *QueueClient {
	prefix := cfg.TaskQueuePrefix
	if prefix == "" {
		prefix = DefaultTaskQueuePrefix
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = client.DefaultNamespace
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = taskqueue.DefaultMaxAttempts
	}
	return &QueueClient{
		client:      c,
		namespace:   namespace,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		metrics:     metrics,
		now:         time.Now,
	}
}

// TaskQueue returns the Temporal task queue name for a logical queue.
func (c *QueueClient) TaskQueue(q taskqueue.Queue) string {
	return c.prefix + string(q)
}

// WorkflowID returns the execution id used for task. Tasks with a dedup key share an id
// so a second start while the first runs is rejected by the server.
func WorkflowID(task *taskqueue.Task) string {
	if task.DedupKey != "" {
		return "dedup-" + task.DedupKey
	}
	return "task-" + task.ID
}

// Enqueue implements taskqueue.Enqueuer.
func (c *QueueClient) Enqueue(ctx context.Context, queue taskqueue.Queue, task *taskqueue.Task, timeout time.Duration) (string, error) {
	if task == nil {
		return "", fmt.Errorf("enqueue on %s: nil task", queue)
	}
	task.Prepare(queue, timeout, c.maxAttempts, c.now())
	workflowID := WorkflowID(task)

	opts := client.StartWorkflowOptions{
		ID:                                       workflowID,
		TaskQueue:                                c.TaskQueue(queue),
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy:                 enumspb.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	run, err := c.client.ExecuteWorkflow(ctx, opts, WorkflowRunQueuedTask, *task)
	if err != nil {
		wrapped := wrapTemporalError("Enqueue", err, workflowID)
		if IsWorkflowAlreadyStarted(wrapped) {
			if c.metrics != nil {
				c.metrics.RecordTaskDeduplicated(string(queue), task.Kind)
			}
			return "", fmt.Errorf("%w: %s", taskqueue.ErrDuplicateTask, task.DedupKey)
		}
		return "", wrapped
	}

	if c.metrics != nil {
		c.metrics.RecordTaskEnqueued(string(queue), task.Kind)
	}
	return run.GetID(), nil
}

// Drain implements taskqueue.Admin. Running executions on the queue are terminated and
// failed ones deleted.
func (c *QueueClient) Drain(ctx context.Context, queue taskqueue.Queue) (int64, error) {
	var removed int64

	running, err := c.list(ctx, c.query(queue, "Running"))
	if err != nil {
		return 0, err
	}
	for _, exec := range running {
		err := c.client.TerminateWorkflow(ctx, exec.GetWorkflowId(), exec.GetRunId(), "queue drained")
		if err != nil && !IsWorkflowNotFound(wrapTemporalError("Drain", err, exec.GetWorkflowId())) {
			return removed, wrapTemporalError("Drain", err, exec.GetWorkflowId())
		}
		removed++
	}

	failed, err := c.list(ctx, c.query(queue, "Failed"))
	if err != nil {
		return removed, err
	}
	for _, exec := range failed {
		_, err := c.client.WorkflowService().DeleteWorkflowExecution(ctx, &workflowservice.DeleteWorkflowExecutionRequest{
			Namespace:         c.namespace,
			WorkflowExecution: exec,
		})
		if err != nil && !IsWorkflowNotFound(wrapTemporalError("Drain", err, exec.GetWorkflowId())) {
			return removed, wrapTemporalError("Drain", err, exec.GetWorkflowId())
		}
		removed++
	}
	return removed, nil
}

// Stats implements taskqueue.Admin. Running executions are reported as in flight since
// the visibility store does not distinguish scheduled from started activities.
func (c *QueueClient) Stats(ctx context.Context) ([]taskqueue.Stats, error) {
	queues := taskqueue.AllQueues()
	out := make([]taskqueue.Stats, 0, len(queues))
	for _, q := range queues {
		running, err := c.count(ctx, c.query(q, "Running"))
		if err != nil {
			return nil, err
		}
		failed, err := c.count(ctx, c.query(q, "Failed"))
		if err != nil {
			return nil, err
		}
		out = append(out, taskqueue.Stats{Queue: q, InFlight: running, Failed: failed})
	}
	return out, nil
}

func (c *QueueClient) query(q taskqueue.Queue, status string) string {
	return fmt.Sprintf("WorkflowType = '%s' AND TaskQueue = '%s' AND ExecutionStatus = '%s'",
		WorkflowRunQueuedTask, c.TaskQueue(q), status)
}

func (c *QueueClient) count(ctx context.Context, query string) (int64, error) {
	resp, err := c.client.CountWorkflow(ctx, &workflowservice.CountWorkflowExecutionsRequest{
		Namespace: c.namespace,
		Query:     query,
	})
	if err != nil {
		return 0, wrapTemporalError("CountWorkflow", err, "")
	}
	return resp.GetCount(), nil
}

func (c *QueueClient) list(ctx context.Context, query string) ([]*commonpb.WorkflowExecution, error) {
	var out []*commonpb.WorkflowExecution
	var token []byte
	for {
		resp, err := c.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
			Namespace:     c.namespace,
			PageSize:      listPageSize,
			NextPageToken: token,
			Query:         query,
		})
		if err != nil {
			return nil, wrapTemporalError("ListWorkflow", err, "")
		}
		for _, info := range resp.GetExecutions() {
			out = append(out, info.GetExecution())
		}
		token = resp.GetNextPageToken()
		if len(token) == 0 {
			return out, nil
		}
	}
}

// Health checks connectivity to the Temporal server.
func (c *QueueClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthCheckTimeout)
	defer cancel()
	if _, err := c.client.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return wrapTemporalError("Health", err, "")
	}
	return nil
}
