package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"scriptbridge/arena"
	"scriptbridge/codec"
	"scriptbridge/engine"
	"scriptbridge/importhook"
	"scriptbridge/message"
	"scriptbridge/middleware"
	"scriptbridge/modules"
	"scriptbridge/reporter"
	"scriptbridge/transport"
)

type fixture struct {
	d          *Dispatcher
	e          *engine.Engine
	arena      *arena.Arena
	controller *transport.Queue
}

func newFixture(t *testing.T, mws ...middleware.Middleware) *fixture {
	f := &fixture{e: engine.New(nil), arena: arena.NewHeap()}
	router := transport.NewRouter()
	f.controller = router.Open(64)
	sender := transport.NewSender(f.arena, router, f.controller.Target(), nil)
	rep := reporter.New(sender, nil, nil)
	reg := modules.NewRegistry()

	ns := importhook.NewNamespace("bridge", reg, sender, router, func(script string, id uint32) {
		f.d.RunScript(script, id)
	})
	f.e.AddFinder(importhook.NewHook(f.e, reg, ns, nil))
	f.e.SetPredeclared("bridge", ns)
	reloader := modules.NewReloader(reg, f.e, ns, "bridge", nil)
	f.d = New(f.e, reg, reloader, rep, "bridge", nil, mws...)

	f.e.Acquire()
	t.Cleanup(f.e.Release)
	return f
}

func (f *fixture) do(req *message.RPCMessage) *message.Response {
	return f.d.Dispatch(context.Background(), req)
}

// sent drains the controller queue, freeing every region.
func (f *fixture) sent(t *testing.T) map[uint32][]string {
	out := map[uint32][]string{}
	for f.controller.Len() > 0 {
		env, ok := f.controller.Get(context.Background())
		require.True(t, ok)
		buf, err := f.arena.Bytes(env.Handle)
		require.NoError(t, err)
		id, body, err := codec.ReadResponse(buf)
		require.NoError(t, err)
		require.NoError(t, f.arena.Free(env.Handle))
		out[id] = append(out[id], message.Value(body))
	}
	return out
}

func add(id uint32, name, src string) *message.RPCMessage {
	return &message.RPCMessage{Type: message.TypeAddModule, CorrelationID: id, ModuleName: message.String(name), Text: message.String(src)}
}

func call(id uint32, module, fn string, args *string) *message.RPCMessage {
	return &message.RPCMessage{Type: message.TypeCallFunction, CorrelationID: id, ModuleName: message.String(module), FunctionName: message.String(fn), Text: args}
}

func TestCallFunctionWithoutArgs(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, message.SuccessMarker, f.do(add(1, "m", "def f(): return 42")).Text)

	resp := f.do(call(2, "m", "f", nil))
	assert.False(t, resp.Failed)
	assert.Equal(t, uint32(2), resp.CorrelationID)
	assert.Equal(t, "42", resp.Text)
}

func TestCallFunctionWithArgs(t *testing.T) {
	f := newFixture(t)
	f.do(add(0, "m", "def f(a,b): return a+b"))

	resp := f.do(call(3, "m", "f", message.String("[1,2]")))
	assert.False(t, resp.Failed)
	assert.Equal(t, "3", resp.Text)
}

func TestModuleStateSurvivesBetweenCalls(t *testing.T) {
	f := newFixture(t)
	f.do(add(0, "m", "items = []\ndef add(x):\n    items.append(x)\n    return len(items)\n"))

	for _, want := range []string{"1", "2"} {
		resp := f.do(call(5, "m", "add", message.String("[5]")))
		require.False(t, resp.Failed, resp.Text)
		assert.Equal(t, want, resp.Text)
	}
}

func TestCallFunctionFailures(t *testing.T) {
	f := newFixture(t)
	f.do(add(0, "m", "def f(a): return {'k': a}\ndef g(): return lambda: 1\n"))

	cases := []struct {
		name string
		req  *message.RPCMessage
		kind engine.Kind
	}{
		{"missing module", call(5, "nope", "f", nil), engine.KindImport},
		{"missing function", call(5, "m", "nope", nil), engine.KindAttribute},
		{"bad json", call(5, "m", "f", message.String("[1,")), engine.KindEval},
		{"non-sequence args", call(5, "m", "f", message.String(`{"a": 1}`)), engine.KindValue},
		{"wrong arity", call(5, "m", "f", message.String("[]")), engine.KindEval},
		{"unencodable result", call(5, "m", "g", nil), engine.KindEval},
		{"missing function name", &message.RPCMessage{Type: message.TypeCallFunction, CorrelationID: 5, ModuleName: message.String("m")}, engine.KindValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(tc.req)
			require.True(t, resp.Failed)
			assert.Equal(t, uint32(5), resp.CorrelationID)
			assert.True(t, message.LooksLikeFailure(resp.Text), resp.Text)
			assert.Contains(t, resp.Text, string(tc.kind)+":")
		})
	}

	// Result dicts encode fine.
	resp := f.do(call(6, "m", "f", message.String(`["v"]`)))
	assert.Equal(t, `{"k":"v"}`, resp.Text)
}

func TestRunPersistsAndAnswersMarker(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.do(&message.RPCMessage{Type: message.TypeRun, Text: message.String("n = 1")}).ShouldSend())
	resp := f.do(&message.RPCMessage{Type: message.TypeRun, CorrelationID: 4, Text: message.String("n = n * 10 + 2")})
	assert.Equal(t, message.SuccessMarker, resp.Text)
	assert.Equal(t, starlark.MakeInt(12), f.e.Globals()["n"])

	resp = f.do(&message.RPCMessage{Type: message.TypeRun, Text: message.String("n = 0 // 0")})
	assert.True(t, resp.Failed)
	assert.True(t, resp.ShouldSend())

	assert.True(t, f.do(&message.RPCMessage{Type: message.TypeRun, CorrelationID: 1}).Failed)
}

func TestRunBuiltinReportsUnderItsOwnID(t *testing.T) {
	f := newFixture(t)
	resp := f.do(&message.RPCMessage{Type: message.TypeRun, CorrelationID: 1, Text: message.String(`bridge.run("k = 7", 40)` + "\n" + `bridge.run("k = k // 0", 41)`)})
	assert.False(t, resp.Failed)

	sent := f.sent(t)
	assert.Equal(t, []string{message.SuccessMarker}, sent[40])
	require.Len(t, sent[41], 1)
	assert.True(t, message.LooksLikeFailure(sent[41][0]))
}

func TestAddModuleNeedsNameAndText(t *testing.T) {
	f := newFixture(t)
	resp := f.do(&message.RPCMessage{Type: message.TypeAddModule, CorrelationID: 2, Text: message.String("x = 1")})
	assert.True(t, resp.Failed)

	// Uncompilable source is still accepted.
	resp = f.do(add(3, "broken", "def f(:"))
	assert.False(t, resp.Failed)
	assert.Equal(t, message.SuccessMarker, resp.Text)
}

func TestRemoveModule(t *testing.T) {
	f := newFixture(t)
	f.do(add(0, "m", "x = 1"))

	assert.Equal(t, message.SuccessMarker, f.do(&message.RPCMessage{Type: message.TypeRemoveModule, CorrelationID: 1, ModuleName: message.String("m")}).Text)
	resp := f.do(&message.RPCMessage{Type: message.TypeRemoveModule, CorrelationID: 2, ModuleName: message.String("m")})
	assert.True(t, resp.Failed)
	assert.Contains(t, resp.Text, "KeyError:")
}

func TestReloadReportsFailuresSeparately(t *testing.T) {
	f := newFixture(t)
	f.do(add(0, "good", "def f(): return 1"))
	f.do(add(0, "bad", "def f(:"))

	resp := f.do(&message.RPCMessage{Type: message.TypeReloadModules, CorrelationID: 9})
	assert.False(t, resp.Failed)
	assert.Equal(t, `["good"]`, resp.Text)

	sent := f.sent(t)
	require.Len(t, sent[0], 1)
	assert.Contains(t, sent[0][0], "SyntaxError:")

	again := f.do(&message.RPCMessage{Type: message.TypeReloadModules, CorrelationID: 10})
	assert.Equal(t, resp.Text, again.Text)
}

func TestReloadWithoutIDStillRuns(t *testing.T) {
	f := newFixture(t)
	f.do(add(0, "m", "x = 1"))

	resp := f.do(&message.RPCMessage{Type: message.TypeReloadModules})
	assert.False(t, resp.ShouldSend())
	_, cached := f.e.Cached("bridge.m")
	assert.True(t, cached)
}

func TestUnknownType(t *testing.T) {
	f := newFixture(t)
	resp := f.do(&message.RPCMessage{Type: message.Type(9), CorrelationID: 1})
	assert.True(t, resp.Failed)
}

func TestPanicBecomesInternalError(t *testing.T) {
	boom := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.Response {
			panic("boom")
		}
	}
	f := newFixture(t, boom)

	resp := f.do(&message.RPCMessage{Type: message.TypeRun, CorrelationID: 3, Text: message.String("x = 1")})
	require.True(t, resp.Failed)
	assert.Equal(t, uint32(3), resp.CorrelationID)
	assert.Contains(t, resp.Text, "InternalError: panic: boom")
}
