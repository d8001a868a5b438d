/*
Package events implements the Event Bus (C7): a defined set of lifecycle
events (ROOT_NEW, CACHE_HIT, WORK_ASSIGNED, ALERT, ...), an in-process
Broker that delivers fired events to a snapshot of each event's subscribers
under a single internal lock, and an optional Redis-backed RedisBroker for
multi-process deployments.

# Usage

	broker := events.NewBroker()
	broker.RegisterHandler(events.CacheHit, myHandler)
	broker.Fire(events.Event{Name: events.CacheHit, RootUUID: root.UUID})

Handlers implement HandleEvent/HandleException (§4.7); a HandleEvent error
is routed to HandleException, and a panic inside HandleException itself is
recovered, logged, and dropped.

# Distributed transport

Wrapping a Broker in a RedisBroker publishes every Fire call on a channel
named after the event and re-parses inbound messages before dispatch, so
local and remote subscribers observe the identical Event shape.
*/
package events
