package stream_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/resume-fit-pipeline/internal/domain"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/stream"
)

func TestDecode_Progress(t *testing.T) {
	t.Parallel()
	ev, ok := stream.Decode(`data: {"event":"progress","data":{"stage":"calculating_scores","progress":60,"message":"Calculating Scores"}}`)
	require.True(t, ok)
	require.Equal(t, domain.EventProgress, ev.Kind)
	assert.Equal(t, "calculating_scores", ev.Progress.Stage)
	assert.Equal(t, 60, ev.Progress.Progress)
	assert.Equal(t, "Calculating Scores", ev.Progress.Message)
}

func TestDecode_Complete(t *testing.T) {
	t.Parallel()
	ev, ok := stream.Decode(`data: {"event":"complete","data":{"analysis_id":"a1","overall_score":80,"fit_classification":"GOOD_FIT"}}`)
	require.True(t, ok)
	require.Equal(t, domain.EventComplete, ev.Kind)
	require.NotNil(t, ev.Result)
	assert.Equal(t, "a1", ev.Result.AnalysisID)
	assert.Equal(t, 80.0, ev.Result.OverallScore)
	assert.Equal(t, "GOOD_FIT", ev.Result.FitClassification)
}

func TestDecode_ErrorBothShapes(t *testing.T) {
	t.Parallel()
	ev, ok := stream.Decode(`data: {"event":"error","data":{"error":"boom"}}`)
	require.True(t, ok)
	require.Equal(t, domain.EventError, ev.Kind)
	assert.Equal(t, "boom", ev.Err)

	ev, ok = stream.Decode(`data: {"event":"error","data":{"message":"fell over"}}`)
	require.True(t, ok)
	assert.Equal(t, "fell over", ev.Err)
}

func TestDecode_Sentinel(t *testing.T) {
	t.Parallel()
	ev, ok := stream.Decode("data: [DONE]")
	require.True(t, ok)
	assert.Equal(t, domain.EventDone, ev.Kind)
}

func TestDecode_IgnoresNonDataLines(t *testing.T) {
	t.Parallel()
	for _, line := range []string{
		"",
		":comment",
		"event: progress",
		"DATA: {\"event\":\"progress\"}",
		"data:{\"no\":\"space\"}",
	} {
		_, ok := stream.Decode(line)
		assert.False(t, ok, "line %q should be ignored", line)
	}
}

func TestDecode_MalformedPayloadDiscarded(t *testing.T) {
	t.Parallel()
	for _, line := range []string{
		`data: {"event":"progress","data":{truncated`,
		`data: not json at all`,
		`data: {"event":"progress","data":"not an object"}`,
	} {
		_, ok := stream.Decode(line)
		assert.False(t, ok, "line %q should be discarded", line)
	}
}

func TestDecode_UnknownEventTagDiscarded(t *testing.T) {
	t.Parallel()
	_, ok := stream.Decode(`data: {"event":"heartbeat","data":{}}`)
	assert.False(t, ok)
}

func TestDecoder_WarnsThroughProvidedLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	d := stream.Decoder{Log: slog.New(slog.NewTextHandler(&buf, nil)).With(slog.String("run_id", "r-9"))}

	_, ok := d.Decode(`data: {"event":"progress","data":{truncated`)
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "discarding malformed stream line")
	assert.Contains(t, buf.String(), "run_id=r-9", "discard warnings must correlate with the owning run")
}
