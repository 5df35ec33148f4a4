// Package reporter turns engine failures into trace text and posts responses back to
// the controller.
package reporter

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"scriptbridge/engine"
	"scriptbridge/message"
	"scriptbridge/transport"
)

// FallbackText is sent when a failure cannot be formatted.
const FallbackText = "error handler called with no failure set"

// noFailure stands in when the error path runs with nothing captured.
const noFailure = "no failure set"

// Formatter renders a failure as response text.
type Formatter interface {
	Format(f *engine.Failure) (string, error)
}

// TracebackFormatter renders the multi-frame layout controllers recognise. An empty
// failure renders as a frameless InternalError trace.
//
//	Traceback (most recent call last):
//	  File "__main__", line 1, column 1, in <toplevel>
//	  File "m", line 2, column 12, in f
//	EvalError: floored division by zero
type TracebackFormatter struct{}

func (TracebackFormatter) Format(f *engine.Failure) (string, error) {
	if f == nil || f.Kind == "" {
		f = &engine.Failure{Kind: engine.KindInternal, Message: noFailure}
	}
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):\n")
	for _, fr := range f.Frames {
		fmt.Fprintf(&b, "  File %q, line %d, column %d, in %s\n", fr.File, fr.Line, fr.Col, fr.Name)
	}
	fmt.Fprintf(&b, "%s: %s\n", f.Kind, f.Message)
	return b.String(), nil
}

// Sender posts a payload under a correlation id; target 0 means the default controller.
type Sender interface {
	Send(body *string, target transport.Target, id uint32) error
}

// Reporter sends responses and failure reports to the controller.
type Reporter struct {
	sender    Sender
	formatter Formatter
	logger    *zap.Logger
}

// New creates a reporter. A nil formatter picks TracebackFormatter.
func New(sender Sender, formatter Formatter, logger *zap.Logger) *Reporter {
	if formatter == nil {
		formatter = TracebackFormatter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{sender: sender, formatter: formatter, logger: logger}
}

// Text renders err, or FallbackText when it cannot.
func (r *Reporter) Text(err error) string {
	text, ferr := r.formatter.Format(engine.AsFailure(err))
	if ferr != nil {
		r.logger.Warn("failure formatting failed", zap.Error(ferr), zap.NamedError("failure", err))
		return FallbackText
	}
	return text
}

// Failure builds the response for err under id.
func (r *Reporter) Failure(id uint32, err error) *message.Response {
	return &message.Response{CorrelationID: id, Text: r.Text(err), Failed: true}
}

// Report formats err and sends it under id. Id 0 is valid and means nobody is waiting.
func (r *Reporter) Report(id uint32, err error) {
	r.Respond(r.Failure(id, err))
}

// Respond sends resp if it has a destination. A post failure has no receiver to
// notify, so it is only logged.
func (r *Reporter) Respond(resp *message.Response) {
	if !resp.ShouldSend() {
		return
	}
	if err := r.sender.Send(message.String(resp.Text), 0, resp.CorrelationID); err != nil {
		r.logger.Error("response dropped",
			zap.Uint32("correlation_id", resp.CorrelationID),
			zap.Bool("failed", resp.Failed),
			zap.Error(err))
	}
}
