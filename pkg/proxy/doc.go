/*
Package proxy implements the gateway's request pipeline: the HTTP server,
the upstream dispatcher, the error classifier, and prompt-hint extraction.

Every request that reaches the catch-all route walks the same state machine.
The selection commit, the classifier mutations, and the limiter rollback all
happen under the state lock so that concurrent requests observe a consistent
rotation cursor.

# Architecture

	┌─────────────────── REQUEST PIPELINE ─────────────────────┐
	│                                                            │
	│  client request                                            │
	│       │                                                    │
	│       ▼                                                    │
	│  ┌─────────────┐   401   ┌──────────────┐   429          │
	│  │  authorize  │────────▶│ error reply  │◀───────┐       │
	│  └──────┬──────┘         └──────────────┘        │       │
	│         ▼                                         │       │
	│  ┌─────────────┐  reject                          │       │
	│  │ global      │──────────────────────────────────┘       │
	│  │ limiter     │                                          │
	│  └──────┬──────┘                                          │
	│         ▼                                                 │
	│  ┌─────────────┐  none   ┌──────────────┐                │
	│  │ key select  │────────▶│  503 reply   │                │
	│  │ (state lock)│         └──────────────┘                │
	│  └──────┬──────┘                                          │
	│         ▼                                                 │
	│  ┌─────────────┐  reject: roll back cursor, 429          │
	│  │ per-key     │                                          │
	│  │ limiter     │                                          │
	│  └──────┬──────┘                                          │
	│         ▼                                                 │
	│  ┌─────────────┐  dry-run: synthetic 200                 │
	│  │ dispatcher  │  otherwise: retries + backoff           │
	│  └──────┬──────┘                                          │
	│         ▼                                                 │
	│  ┌─────────────┐  classify → mutate state → trace        │
	│  │ classifier  │                                          │
	│  └──────┬──────┘                                          │
	│         ▼                                                 │
	│  stream relay to client (hop-by-hop headers filtered)     │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Classification

The mapping from (status, body, headers) to a state mutation is a value, not
control flow: Classify returns an Outcome that Apply executes under the
state lock. 402 and billing-token bodies block the key for
payment_block_seconds; 403 and 429 exhaust it for the rotation cooldown
(429 honoring Retry-After); 5xx exhausts for at most 60 seconds.

# Streaming

Upstream responses are relayed without buffering. For error statuses a
bounded prefix of the body is read for token matching and then re-joined
with the remaining stream, so the client always receives the full payload.
*/
package proxy
