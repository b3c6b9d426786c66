// Package ime manages the client side of an fcitx5 input context over the
// D-Bus session bus.
//
// # Architecture Overview
//
// A Session owns one logical input context. The service may come and go at
// any time, so the Session reconnects on its own:
//
//	watcher.Watcher ──availability──▶ Session ──RPC──▶ ipc.InputContext
//	                                     │
//	                                     ├── RequestTracker (generation, cancel)
//	                                     ├── capability.Codec (mask per generation)
//	                                     └── ReplayCache (resolved key events)
//
// # Connection States
//
//	Idle ──▶ AwaitingBus ──▶ AwaitingHandshakePhase1 ──▶ AwaitingHandshakePhase2 ──▶ Connected
//	  ▲                                   │                          │                  │
//	  └──────────────── Closed ◀──────────┴──────────────────────────┴──────────────────┘
//
// Phase one creates the remote context; phase two subscribes to its
// signals. Entering AwaitingBus or Closed advances the generation, which
// cancels every call issued under the previous one. Replies are checked
// against the generation they were issued under and discarded when stale.
//
// # Key Delivery
//
// In async mode ProcessKey queues an RPC and returns at once; the verdict
// arrives on the loop. Events the service does not handle go to
// Handler.FallbackKey, at most once per event identity. In sync mode
// ProcessKeySync blocks the loop until the service answers.
//
// # Threading
//
// Everything runs on a single mainloop.Scheduler. Bus callbacks and RPC
// completions are posted back to it; continuations hold only a weak
// reference to their Session.
package ime
