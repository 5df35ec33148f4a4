package engine

import (
	"fmt"

	"github.com/pkg/errors"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Kind classifies a Failure. The names double as the last line of a formatted trace.
type Kind string

const (
	KindSyntax    Kind = "SyntaxError"
	KindEval      Kind = "EvalError"
	KindImport    Kind = "ImportError"
	KindAttribute Kind = "AttributeError"
	KindKey       Kind = "KeyError"
	KindValue     Kind = "ValueError"
	KindInternal  Kind = "InternalError"
)

// Frame is one entry of a failure's call stack, outermost first.
type Frame struct {
	Name string
	File string
	Line int32
	Col  int32
}

// Failure is the structured result of anything that went wrong inside the engine.
// It is returned explicitly; there is no "current failure" to fetch or clear.
type Failure struct {
	Kind    Kind
	Message string
	Frames  []Frame
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Errorf builds a frameless Failure of the given kind.
func Errorf(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsFailure converts any error produced while running scripts into a Failure.
// A Failure raised by a builtin keeps its kind and message and gains the script
// frames that led to it.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		f := &Failure{Kind: KindEval, Message: evalErr.Msg, Frames: framesOf(evalErr.CallStack)}
		var inner *Failure
		if errors.As(evalErr.Unwrap(), &inner) {
			f.Kind = inner.Kind
			f.Message = inner.Message
			if len(f.Frames) == 0 {
				f.Frames = inner.Frames
			}
		}
		return f
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return &Failure{Kind: KindSyntax, Message: syntaxErr.Msg, Frames: []Frame{frameAt("<toplevel>", syntaxErr.Pos)}}
	}

	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) && len(resolveErrs) > 0 {
		first := resolveErrs[0]
		return &Failure{Kind: KindSyntax, Message: first.Msg, Frames: []Frame{frameAt("<toplevel>", first.Pos)}}
	}

	return &Failure{Kind: KindEval, Message: err.Error()}
}

func framesOf(stack starlark.CallStack) []Frame {
	frames := make([]Frame, 0, len(stack))
	for _, fr := range stack {
		frames = append(frames, frameAt(fr.Name, fr.Pos))
	}
	return frames
}

func frameAt(name string, pos syntax.Position) Frame {
	return Frame{Name: name, File: pos.Filename(), Line: pos.Line, Col: pos.Col}
}
