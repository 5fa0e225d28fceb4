package intake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) StartSearch(ctx context.Context, req pipeline.SearchRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockDispatcher) StartRun(ctx context.Context, req pipeline.RunRequest) (int, error) {
	args := m.Called(ctx, req)
	return args.Int(0), args.Error(1)
}

func (m *mockDispatcher) StartStage(ctx context.Context, projectID string, stage domain.Stage, profileID string) error {
	args := m.Called(ctx, projectID, stage, profileID)
	return args.Error(0)
}

// scriptedReader replays its messages, then cancels the run and blocks until it stops.
type scriptedReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	errs     []error
	drained  context.CancelFunc
	closed   bool
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	r.drained()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{name: "search", value: `{"command":"start_search","project_id":"p1","query":"tau PET"}`},
		{name: "run with defaults", value: `{"command":"start_run","project_id":"p1"}`},
		{name: "run in screening mode", value: `{"command":"start_run","project_id":"p1","analysis_mode":"screening"}`},
		{name: "stage", value: `{"command":"start_stage","project_id":"p1","stage":"prisma"}`},
		{name: "not json", value: `start_run p1`, wantErr: "malformed command"},
		{name: "missing command", value: `{"project_id":"p1"}`, wantErr: "command is required"},
		{name: "unknown command", value: `{"command":"purge","project_id":"p1"}`, wantErr: `unknown command "purge"`},
		{name: "missing project", value: `{"command":"start_run"}`, wantErr: "project_id is required"},
		{name: "search without query", value: `{"command":"start_search","project_id":"p1","query":"  "}`, wantErr: "query is required"},
		{name: "unknown mode", value: `{"command":"start_run","project_id":"p1","analysis_mode":"skim"}`, wantErr: `unknown analysis_mode "skim"`},
		{name: "run is not a stage", value: `{"command":"start_stage","project_id":"p1","stage":"run"}`, wantErr: `unknown stage "run"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tt.value))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedCommand)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHandle_DispatchesSearch(t *testing.T) {
	ctx := context.Background()
	d := new(mockDispatcher)
	d.On("StartSearch", ctx, pipeline.SearchRequest{
		ProjectID: "p1",
		Query:     "tau PET",
		Databases: []string{"pubmed", "arxiv"},
		MaxPerDB:  25,
	}).Return(nil)

	l := newListener(&scriptedReader{}, d, newTestLogger())
	err := l.Handle(ctx, []byte(`{"command":"start_search","project_id":"p1","query":"tau PET","databases":["pubmed","arxiv"],"max_per_db":25}`))

	require.NoError(t, err)
	d.AssertExpectations(t)
}

func TestHandle_DispatchesRun(t *testing.T) {
	ctx := context.Background()
	d := new(mockDispatcher)
	d.On("StartRun", ctx, pipeline.RunRequest{
		ProjectID:  "p1",
		ArticleIDs: []string{"111", "222"},
		ProfileID:  "deep",
		Mode:       domain.AnalysisModeFullExtraction,
		GridID:     "g1",
	}).Return(2, nil)

	l := newListener(&scriptedReader{}, d, newTestLogger())
	err := l.Handle(ctx, []byte(`{"command":"start_run","project_id":"p1","article_ids":["111","222"],"profile":"deep","analysis_mode":"full_extraction","grid_id":"g1"}`))

	require.NoError(t, err)
	d.AssertExpectations(t)
}

func TestHandle_DispatchesStage(t *testing.T) {
	ctx := context.Background()
	d := new(mockDispatcher)
	d.On("StartStage", ctx, "p1", domain.StageSynthesis, "fast").Return(nil)

	l := newListener(&scriptedReader{}, d, newTestLogger())
	err := l.Handle(ctx, []byte(`{"command":"start_stage","project_id":"p1","stage":"synthesis","profile":"fast"}`))

	require.NoError(t, err)
	d.AssertExpectations(t)
}

func TestHandle_WrapsDispatchErrors(t *testing.T) {
	ctx := context.Background()
	d := new(mockDispatcher)
	d.On("StartStage", ctx, "p1", domain.StagePrisma, "").
		Return(&domain.TransitionError{ProjectID: "p1", From: domain.ProjectStatusProcessing, To: domain.ProjectStatusGeneratingPrisma})

	l := newListener(&scriptedReader{}, d, newTestLogger())
	err := l.Handle(ctx, []byte(`{"command":"start_stage","project_id":"p1","stage":"prisma"}`))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStageInProgress)
	assert.NotErrorIs(t, err, ErrMalformedCommand)
}

func TestRun_SkipsMalformedAndRefusedCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &scriptedReader{
		errs: []error{errors.New("broker unavailable")},
		messages: []kafka.Message{
			{Offset: 1, Value: []byte(`{not json`)},
			{Offset: 2, Value: []byte(`{"command":"start_stage","project_id":"p1","stage":"discussion"}`)},
			{Offset: 3, Value: []byte(`{"command":"start_run","project_id":"p2"}`)},
		},
		drained: cancel,
	}

	d := new(mockDispatcher)
	d.On("StartStage", mock.Anything, "p1", domain.StageDiscussion, "").
		Return(domain.NewNotFoundError("project", "p1"))
	d.On("StartRun", mock.Anything, pipeline.RunRequest{ProjectID: "p2"}).Return(4, nil)

	var logs bytes.Buffer
	l := newListener(reader, d, zerolog.New(&logs))

	err := l.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	d.AssertExpectations(t)

	out := logs.String()
	assert.Contains(t, out, "failed to read message from Kafka")
	assert.Contains(t, out, "skipping malformed command")
	assert.Contains(t, out, "command not applied")
	assert.Contains(t, out, "run started from intake")
	assert.Equal(t, 1, strings.Count(out, "starting command intake"))
}

func TestClose(t *testing.T) {
	reader := &scriptedReader{}
	l := newListener(reader, new(mockDispatcher), newTestLogger())

	require.NoError(t, l.Close())
	assert.True(t, reader.closed)
}
