/*
Package event provides a typed pub/sub event system for agentd.

Two kinds of bus exist. Every agent instance owns an unmirrored Bus carrying
its turn events; requests read them through Watch subscriptions, which keep
publication order and apply backpressure to the agent while a request is
attached. The process-wide global bus carries session lifecycle events and
mirrors each one as JSON onto a watermill gochannel, which Feed exposes to
the SSE lifecycle endpoint.

# Event Types

Agent events:
  - agent.status: running, idle or stopped
  - agent.delta: streamed text chunk
  - agent.message: complete assistant message appended to the trace
  - agent.completed: turn finished (Success false when cancelled)
  - agent.error: turn failed

Lifecycle events:
  - session.created, session.removed
  - lease.acquired, lease.released

# Basic Usage

	bus := event.NewBus()
	defer bus.Close()

	sub := bus.Watch(64)
	defer sub.Close()

	bus.PublishSync(event.Event{Type: event.AgentDelta, Data: event.DeltaData{Content: "hi"}})
	e, ok := sub.Next(ctx)

Subscriber functions registered with Subscribe or SubscribeAll run in the
publisher's goroutine under PublishSync; they must not block or publish.
*/
package event
