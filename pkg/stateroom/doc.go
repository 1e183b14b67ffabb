/*
Package stateroom is the room-state core of a federated homeserver:
authorization rules, state resolution, delta-chain state persistence,
and the staged processing pipeline that drives incoming events
through all of it.

# Overview

Events arrive as untrusted federation JSON. The engine parses them,
waits for their referenced ancestry, authorizes them, settles them
against the room's current state (resolving conflicts when histories
fork), persists them as deltas on a per-room chain, and finally fans
out to other servers and local subscribers.

# Basic Usage

Build an Engine from Settings and submit events:

	settings := config.Settings{
	    ServerName:    "example.org",
	    StoreBackend:  "memory",
	    Shards:        4,
	    MaxRetries:    5,
	    RetryInterval: time.Second,
	}

	engine, err := stateroom.NewEngine(settings)
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Close()

	txnID, err := engine.Submit(rawEventJSON)

State reads go through the same engine:

	state, err := engine.FullRoomState(ctx, roomID)
	before, err := engine.StateBeforeEvent(ctx, eventID)

# Subpackages

  - pdu: event model, canonical JSON, event id derivation, room versions
  - auth: authorization rules and power levels
  - resolve: state resolution over forked histories
  - state: delta-chain persistence and snapshot reconstruction
  - store: storage adapters (memory, sqlite)
  - pipeline: the staged processing state machine
  - federation: remote fetch and fan-out interfaces
  - notify: client notification classification and local fan-out
  - signing: ed25519 event signing
  - config: settings loading
*/
package stateroom
