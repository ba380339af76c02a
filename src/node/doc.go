/*
Package node implements the core component of a murmur process: a single
event loop that owns all mutable peer-to-peer state and coordinates the DHT,
the gossip engine, the exchange table and peer discovery behind one mailbox.

Event Loop

Run multiplexes five sources: application commands, inbound transport RPCs,
worker reports, discovery events and a heartbeat ticker. Everything the loop
owns (the address book, the pending tables, gossip admission, provided keys)
is read and written exclusively from the loop goroutine, so none of it is
locked. Anything that needs the network runs on a bounded pool of worker
goroutines which report their outcome back through the loop's report channel;
workers never touch loop state directly.

Commands And Promises

The application talks to the loop through Client, whose methods wrap a
command struct around a buffered response channel and block on it. Commands
that resolve immediately (subscribe, publish, stats) are answered inline by
the loop. Commands that need the network (dial, lookups, exchanges) are
parked in a pending table and answered later by the worker's report. Every
pending entry resolves exactly once: either by its report or, at shutdown, by
ErrShuttingDown.

Lookups

Each DHT lookup gets a loop-assigned identifier and runs on a worker under
the configured query timeout. Progress, completion and failure surface as
QueryProgressed, QueryCompleted and QueryFailed events carrying that
identifier. A successful provide is also remembered so the heartbeat can
re-announce it when the registration ages past the refresh interval.

Exchanges

An outbound Request parks the caller until the peer's reply, classified into
ErrPeerUnreachable, ErrProtocolMismatch or ErrNoResponse when it fails. An
inbound exchange holds the transport's response channel in a table keyed by
exchange id and hands the application an InboundRequest event with a one-shot
Reply capability; the reply, the configured expiry and shutdown race to
resolve it, and whichever comes second gets ErrExchangeAlreadyResolved.

Gossip

Envelopes are acknowledged as soon as they arrive; validation and routing are
local concerns and are never reported to the sender. A validated first-seen
message on a subscribed topic is delivered to the application and forwarded
to the remaining admitted subscribers. Peers are admitted for gossip when we
dial them, when LAN discovery finds them, or when they announce their
subscriptions to us; a new admission triggers a full subscription announce
back, which makes admission mutual without looping.

Heartbeat

On every tick the loop re-announces due provider registrations and pings one
routing-table contact in rotation, evicting it on failure. Both run on
workers like any other network activity.
*/
package node
