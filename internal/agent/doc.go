// Package agent provides the agent runtime that sessions drive.
//
// A [Runtime] starts agent instances. Each [Instance] exposes a [Controller]
// (send input, cancel the current turn, terminate, snapshot the trace), an
// event source that callers [EventSource.Watch], and a Done channel that
// receives the run loop's result once the instance stops.
//
// # Profiles
//
// Instances are started from a named [Profile]. The [Registry] holds the
// built-in profiles and any loaded from configuration:
//
//   - default: general-purpose conversational agent
//   - plan: analysis and planning without execution
//
// The empty profile name resolves to default.
//
// # LLM runtime
//
// [LLMRuntime] backs each instance with an Eino chat model. One goroutine
// per instance waits for input and runs one turn per Send, streaming the
// model and publishing events in this order:
//
//	agent.status (running)
//	agent.delta ...
//	agent.message
//	agent.completed | agent.error
//	agent.status (idle)
//
// Cancel interrupts the current turn only; the turn ends with an
// agent.completed event whose Success is false. Terminate stops the run
// loop, after which the instance's event bus is closed and Done receives nil.
package agent
