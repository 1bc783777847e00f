package stream

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/resume-fit-pipeline/internal/domain"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/observability"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Decoder classifies complete logical lines into stream events. Log carries
// the run-scoped logger so discarded-line warnings correlate with the owning
// run; nil falls back to the default logger.
type Decoder struct {
	Log *slog.Logger
}

func (d Decoder) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// envelope is the wire frame: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// errorPayload accepts either of the error shapes the server emits.
type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Decode classifies one complete logical line. The second return is false
// when the line carries no event: blank lines, comments and anything without
// the data: prefix are expected and ignored, and a malformed payload is
// logged and discarded rather than aborting the run — a single corrupt line
// must not kill an otherwise healthy stream.
func (d Decoder) Decode(line string) (domain.StreamEvent, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return domain.StreamEvent{}, false
	}
	payload := strings.TrimPrefix(line, dataPrefix)
	if payload == doneSentinel {
		return domain.StreamEvent{Kind: domain.EventDone}, true
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		d.logger().Warn("discarding malformed stream line", slog.Any("error", err), slog.Int("len", len(payload)))
		observability.StreamMalformedLinesTotal.Inc()
		return domain.StreamEvent{}, false
	}

	switch env.Event {
	case "progress":
		var pu domain.ProgressUpdate
		if err := json.Unmarshal(env.Data, &pu); err != nil {
			d.logger().Warn("discarding malformed progress payload", slog.Any("error", err))
			observability.StreamMalformedLinesTotal.Inc()
			return domain.StreamEvent{}, false
		}
		return domain.StreamEvent{Kind: domain.EventProgress, Progress: pu}, true
	case "complete":
		var res domain.AnalysisResult
		if err := json.Unmarshal(env.Data, &res); err != nil {
			d.logger().Warn("discarding malformed complete payload", slog.Any("error", err))
			observability.StreamMalformedLinesTotal.Inc()
			return domain.StreamEvent{}, false
		}
		return domain.StreamEvent{Kind: domain.EventComplete, Result: &res}, true
	case "error":
		var ep errorPayload
		if err := json.Unmarshal(env.Data, &ep); err != nil {
			d.logger().Warn("discarding malformed error payload", slog.Any("error", err))
			observability.StreamMalformedLinesTotal.Inc()
			return domain.StreamEvent{}, false
		}
		msg := ep.Error
		if msg == "" {
			msg = ep.Message
		}
		return domain.StreamEvent{Kind: domain.EventError, Err: msg}, true
	default:
		d.logger().Warn("discarding stream line with unknown event tag", slog.String("event", env.Event))
		observability.StreamMalformedLinesTotal.Inc()
		return domain.StreamEvent{}, false
	}
}

// Decode classifies one line with the default logger.
func Decode(line string) (domain.StreamEvent, bool) {
	return Decoder{}.Decode(line)
}
