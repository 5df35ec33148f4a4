package reporter

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptbridge/engine"
	"scriptbridge/message"
	"scriptbridge/transport"
)

type sent struct {
	id   uint32
	body string
}

type recordingSender struct {
	sent []sent
	err  error
}

func (s *recordingSender) Send(body *string, _ transport.Target, id uint32) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{id: id, body: message.Value(body)})
	return nil
}

type brokenFormatter struct{}

func (brokenFormatter) Format(*engine.Failure) (string, error) {
	return "", errors.New("formatter exploded")
}

func TestTracebackFormat(t *testing.T) {
	text, err := TracebackFormatter{}.Format(&engine.Failure{
		Kind:    engine.KindEval,
		Message: "boom",
		Frames: []engine.Frame{
			{Name: "<toplevel>", File: "__main__", Line: 1, Col: 1},
			{Name: "f", File: "m", Line: 2, Col: 5},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Traceback (most recent call last):\n"+
		"  File \"__main__\", line 1, column 1, in <toplevel>\n"+
		"  File \"m\", line 2, column 5, in f\n"+
		"EvalError: boom\n", text)
	assert.True(t, message.LooksLikeFailure(text))
}

func TestTracebackFormatNothingSet(t *testing.T) {
	for _, f := range []*engine.Failure{nil, {}} {
		text, err := TracebackFormatter{}.Format(f)
		require.NoError(t, err)
		assert.Equal(t, "Traceback (most recent call last):\nInternalError: no failure set\n", text)
	}
}

func TestReportSendsUnderID(t *testing.T) {
	s := &recordingSender{}
	r := New(s, nil, nil)

	r.Report(4, engine.Errorf(engine.KindImport, "module %q not found", "bridge.x"))
	r.Report(0, engine.Errorf(engine.KindEval, "log only"))

	require.Len(t, s.sent, 2)
	assert.Equal(t, uint32(4), s.sent[0].id)
	assert.Contains(t, s.sent[0].body, "ImportError: module \"bridge.x\" not found")
	assert.Equal(t, uint32(0), s.sent[1].id)
}

func TestReportWithNothingSetSendsFramelessTrace(t *testing.T) {
	s := &recordingSender{}
	New(s, nil, nil).Report(2, nil)
	require.Len(t, s.sent, 1)
	assert.Equal(t, uint32(2), s.sent[0].id)
	assert.True(t, message.LooksLikeFailure(s.sent[0].body))
	assert.Contains(t, s.sent[0].body, "InternalError: no failure set")
}

func TestReportFormatterFailureSendsFallback(t *testing.T) {
	s := &recordingSender{}
	New(s, brokenFormatter{}, nil).Report(3, engine.Errorf(engine.KindEval, "x"))
	require.Len(t, s.sent, 1)
	assert.Equal(t, FallbackText, s.sent[0].body)
}

func TestRespondSkipsSilentSuccess(t *testing.T) {
	s := &recordingSender{}
	r := New(s, nil, nil)
	r.Respond(&message.Response{CorrelationID: 0, Text: message.SuccessMarker})
	r.Respond(&message.Response{CorrelationID: 8, Text: "42"})
	require.Len(t, s.sent, 1)
	assert.Equal(t, sent{id: 8, body: "42"}, s.sent[0])
}

func TestRespondSwallowsTransportFailure(t *testing.T) {
	s := &recordingSender{err: &transport.PostError{Target: 1, Code: transport.CodeQueueFull}}
	New(s, nil, nil).Respond(&message.Response{CorrelationID: 1, Text: "x"})
	assert.Empty(t, s.sent)
}
