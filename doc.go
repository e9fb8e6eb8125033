/*
Package folio is a collaborative notebook session engine.

Every open notebook has one live session. Clients connect to it, submit edit and execute
actions, and receive the resulting updates in the order the session applied them. One Jupyter
kernel per session runs code cells, and its output streams back into the document as further
updates that every client sees.

# Architecture

The engine is organised around ports and adapters:

  - pkg/notebook: the document model, actions, updates and the pure reducer.
  - pkg/kernel: the Jupyter wire protocol, channel clients and the kernel lifecycle manager.
  - pkg/processor: the pipeline every client action passes through.
  - pkg/session: the per-notebook worker, client registry and session manager.
  - pkg/ports: the storage and locking contracts, implemented under pkg/adapters.

# Usage

Embed the engine and attach clients through an Outbox:

	eng := folio.New("./notebooks")
	defer eng.Close(ctx)

	out := session.NewOutbox("alice", 64)
	s, err := eng.Connect(ctx, "analysis", out)
	if err != nil {
		log.Fatal(err)
	}
	snapshot := <-out.Messages() // always first

	_, err = s.Submit(ctx, "alice", &notebook.UpdateCell{...})

The folio command serves the same engine over WebSocket; see cmd/folio.
*/
package folio
