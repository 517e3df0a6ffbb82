package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/optiq/internal/models"
)

func TestParseEvent_Progress(t *testing.T) {
	line := []byte(`{"type":"progress","event":"optimizer_progress","metrics":{"tqdm_n":3,"tqdm_total":10}}`)

	event := ParseEvent(line)
	assert.Equal(t, EventTypeProgress, event.Type)
	assert.Equal(t, "optimizer_progress", event.Event)
	assert.Equal(t, 3.0, event.Metrics["tqdm_n"])
}

func TestParseEvent_Error(t *testing.T) {
	line := []byte(`{"type":"error","error":"ValueError: bad column","traceback":"stack here"}`)

	event := ParseEvent(line)
	assert.Equal(t, EventTypeError, event.Type)
	assert.Equal(t, "ValueError: bad column", event.Error)
	assert.Equal(t, "stack here", event.Traceback)
}

func TestParseEvent_StrayPrintBecomesLog(t *testing.T) {
	event := ParseEvent([]byte("loading dataset...\n"))

	assert.Equal(t, EventTypeLog, event.Type)
	assert.Equal(t, models.LogLevelInfo, event.Level)
	assert.Equal(t, "stdout", event.Logger)
	assert.Equal(t, "loading dataset...", event.Message)
}

func TestParseEvent_JSONWithoutTypeBecomesLog(t *testing.T) {
	event := ParseEvent([]byte(`{"message": "not an event"}`))

	assert.Equal(t, EventTypeLog, event.Type)
	assert.Equal(t, "stdout", event.Logger)
}

func TestParseEvent_BlankLineIgnored(t *testing.T) {
	event := ParseEvent([]byte("   \n"))
	assert.Empty(t, event.Type)
}

func TestEventWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewEventWriter(&buf)

	require.NoError(t, w.Progress("baseline_evaluated", map[string]interface{}{"baseline_test_metric": 0.42}))
	require.NoError(t, w.Log(models.LogLevelInfo, "engine", "starting"))
	require.NoError(t, w.Result(map[string]interface{}{"module_name": "predict"}))
	require.NoError(t, w.Failure("boom", "trace"))

	var events []ChildEvent
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		events = append(events, ParseEvent(scanner.Bytes()))
	}
	require.NoError(t, scanner.Err())
	require.Len(t, events, 4)

	assert.Equal(t, EventTypeProgress, events[0].Type)
	assert.Equal(t, "baseline_evaluated", events[0].Event)
	assert.Equal(t, 0.42, events[0].Metrics["baseline_test_metric"])

	assert.Equal(t, EventTypeLog, events[1].Type)
	assert.Equal(t, "engine", events[1].Logger)
	assert.Equal(t, "starting", events[1].Message)

	assert.Equal(t, EventTypeResult, events[2].Type)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(events[2].Result, &result))
	assert.Equal(t, "predict", result["module_name"])

	assert.Equal(t, EventTypeError, events[3].Type)
	assert.Equal(t, "boom", events[3].Error)
	assert.Equal(t, "trace", events[3].Traceback)
}
