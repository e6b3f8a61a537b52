package filter

import "github.com/FumingPower3925/tessera/internal/buffer"

// ActionKind identifies a NextAction variant.
type ActionKind uint8

// NextAction kinds.
const (
	KindInvoke ActionKind = iota
	KindStop
	KindSuspend
	KindRerun
)

var actionNames = [...]string{
	KindInvoke:  "invoke",
	KindStop:    "stop",
	KindSuspend: "suspend",
	KindRerun:   "rerun",
}

func (k ActionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return "unknown"
}

// NextAction tells the chain what to do after a filter handler returns.
// The set of implementations is closed: InvokeAction, StopAction,
// SuspendAction and RerunAction.
type NextAction interface {
	Kind() ActionKind
	nextAction()
}

// InvokeAction continues the traversal with the next filter.
//
// A non-nil Chunk with a nil Appender is an unparsed remainder: once the
// current chain part finishes, the same filter is invoked again with Chunk
// as its message. A non-nil Appender marks Chunk as incomplete: it is kept
// and merged with the next message that reaches the filter.
type InvokeAction struct {
	Chunk    any
	Appender buffer.Appender
}

// Kind implements NextAction.
func (InvokeAction) Kind() ActionKind { return KindInvoke }
func (InvokeAction) nextAction()      {}

// StopAction halts the traversal. A non-nil Chunk is kept as an incomplete
// chunk and merged with the next message delivered to the filter.
type StopAction struct {
	Chunk    any
	Appender buffer.Appender
}

// Kind implements NextAction.
func (StopAction) Kind() ActionKind { return KindStop }
func (StopAction) nextAction()      {}

// SuspendAction parks the traversal. Handlers obtain it from
// Context.Suspend. The context keeps its position and must be resumed (or
// failed) by whoever took ownership of it.
type SuspendAction struct{}

// Kind implements NextAction.
func (SuspendAction) Kind() ActionKind { return KindSuspend }
func (SuspendAction) nextAction()      {}

// RerunAction invokes the current filter again with the context's message.
type RerunAction struct{}

// Kind implements NextAction.
func (RerunAction) Kind() ActionKind { return KindRerun }
func (RerunAction) nextAction()      {}

// Invoke continues to the next filter.
func Invoke() NextAction { return InvokeAction{} }

// InvokeRemainder continues to the next filter and schedules chunk to be
// re-delivered to the current filter once the chain part completes.
func InvokeRemainder(chunk any) NextAction {
	return InvokeAction{Chunk: chunk}
}

// InvokeIncomplete continues to the next filter and stores chunk until more
// input arrives. A nil appender defaults to buffer.Bytes.
func InvokeIncomplete(chunk any, app buffer.Appender) NextAction {
	if app == nil {
		app = buffer.Bytes
	}
	return InvokeAction{Chunk: chunk, Appender: app}
}

// Stop halts the traversal.
func Stop() NextAction { return StopAction{} }

// StopIncomplete halts the traversal and stores chunk until more input
// arrives. A nil appender defaults to buffer.Bytes.
func StopIncomplete(chunk any, app buffer.Appender) NextAction {
	if chunk != nil && app == nil {
		app = buffer.Bytes
	}
	return StopAction{Chunk: chunk, Appender: app}
}

// Rerun invokes the current filter again.
func Rerun() NextAction { return RerunAction{} }
