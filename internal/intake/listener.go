// Package intake provides a Kafka listener for pipeline commands, so that upstream systems
// can start searches, runs and aggregation stages without going through the HTTP API.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

// Supported command names.
const (
	CommandStartSearch = "start_search"
	CommandStartRun    = "start_run"
	CommandStartStage  = "start_stage"
)

// ErrMalformedCommand marks messages that can never be dispatched. They are logged and skipped.
var ErrMalformedCommand = errors.New("malformed command")

// Command is the JSON payload of an intake message.
type Command struct {
	Command   string `json:"command"`
	ProjectID string `json:"project_id"`

	// start_search
	Query     string   `json:"query,omitempty"`
	Databases []string `json:"databases,omitempty"`
	MaxPerDB  int      `json:"max_per_db,omitempty"`

	// start_run
	ArticleIDs   []string `json:"article_ids,omitempty"`
	AnalysisMode string   `json:"analysis_mode,omitempty"`
	GridID       string   `json:"grid_id,omitempty"`

	// start_stage
	Stage string `json:"stage,omitempty"`

	// Profile applies to start_run and start_stage.
	Profile string `json:"profile,omitempty"`
}

// Dispatcher starts pipeline work. It is satisfied by *pipeline.Orchestrator.
type Dispatcher interface {
	StartSearch(ctx context.Context, req pipeline.SearchRequest) error
	StartRun(ctx context.Context, req pipeline.RunRequest) (int, error)
	StartStage(ctx context.Context, projectID string, stage domain.Stage, profileID string) error
}

// messageReader is the subset of *kafka.Reader the listener uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Listener consumes pipeline commands from Kafka and dispatches them.
type Listener struct {
	reader     messageReader
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// Config holds configuration for the command listener.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic is the Kafka topic carrying commands.
	Topic string
	// GroupID is the consumer group ID.
	GroupID string
}

// NewListener creates a new command listener.
func NewListener(cfg Config, dispatcher Dispatcher, logger zerolog.Logger) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
	return newListener(reader, dispatcher, logger)
}

func newListener(reader messageReader, dispatcher Dispatcher, logger zerolog.Logger) *Listener {
	return &Listener{
		reader:     reader,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "intake_listener").Logger(),
	}
}

// Run starts the listener loop. Blocks until context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting command intake")

	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("command intake stopped via context cancellation")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received command")

		if err := l.Handle(ctx, msg.Value); err != nil {
			if errors.Is(err, ErrMalformedCommand) {
				l.logger.Error().Err(err).
					Str("raw_value", string(msg.Value)).
					Msg("skipping malformed command")
				continue
			}
			// Refusals such as a stage already in progress are expected and not retried.
			l.logger.Warn().Err(err).
				Int64("offset", msg.Offset).
				Msg("command not applied")
		}
	}
}

// Handle decodes one message value and dispatches the command it carries.
func (l *Listener) Handle(ctx context.Context, value []byte) error {
	cmd, err := ParseCommand(value)
	if err != nil {
		return err
	}

	logger := l.logger.With().
		Str("command", cmd.Command).
		Str("project_id", cmd.ProjectID).
		Logger()

	switch cmd.Command {
	case CommandStartSearch:
		err = l.dispatcher.StartSearch(ctx, pipeline.SearchRequest{
			ProjectID: cmd.ProjectID,
			Query:     cmd.Query,
			Databases: cmd.Databases,
			MaxPerDB:  cmd.MaxPerDB,
		})
		if err != nil {
			return fmt.Errorf("start search: %w", err)
		}
		logger.Info().Msg("search started from intake")

	case CommandStartRun:
		queued, err := l.dispatcher.StartRun(ctx, pipeline.RunRequest{
			ProjectID:  cmd.ProjectID,
			ArticleIDs: cmd.ArticleIDs,
			ProfileID:  cmd.Profile,
			Mode:       domain.AnalysisMode(cmd.AnalysisMode),
			GridID:     cmd.GridID,
		})
		if err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		logger.Info().Int("queued", queued).Msg("run started from intake")

	case CommandStartStage:
		if err := l.dispatcher.StartStage(ctx, cmd.ProjectID, domain.Stage(cmd.Stage), cmd.Profile); err != nil {
			return fmt.Errorf("start stage %s: %w", cmd.Stage, err)
		}
		logger.Info().Str("stage", cmd.Stage).Msg("stage started from intake")
	}
	return nil
}

// ParseCommand decodes and checks a command. Every error it returns wraps ErrMalformedCommand.
func ParseCommand(value []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	cmd.Command = strings.TrimSpace(cmd.Command)
	cmd.ProjectID = strings.TrimSpace(cmd.ProjectID)

	if cmd.ProjectID == "" {
		return Command{}, fmt.Errorf("%w: project_id is required", ErrMalformedCommand)
	}
	switch cmd.Command {
	case CommandStartSearch:
		if strings.TrimSpace(cmd.Query) == "" {
			return Command{}, fmt.Errorf("%w: query is required", ErrMalformedCommand)
		}
	case CommandStartRun:
		if cmd.AnalysisMode != "" && !domain.AnalysisMode(cmd.AnalysisMode).Valid() {
			return Command{}, fmt.Errorf("%w: unknown analysis_mode %q", ErrMalformedCommand, cmd.AnalysisMode)
		}
	case CommandStartStage:
		if !domain.Stage(cmd.Stage).IsAggregation() {
			return Command{}, fmt.Errorf("%w: unknown stage %q", ErrMalformedCommand, cmd.Stage)
		}
	case "":
		return Command{}, fmt.Errorf("%w: command is required", ErrMalformedCommand)
	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrMalformedCommand, cmd.Command)
	}
	return cmd, nil
}

// Close closes the Kafka reader.
func (l *Listener) Close() error {
	l.logger.Info().Msg("closing command intake")
	return l.reader.Close()
}
