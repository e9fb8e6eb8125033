/*
Package session multiplexes client connections onto live notebook sessions.

A Session pairs one notebook document with one kernel and owns a single worker goroutine.
Every inbound action, client registration and kernel event goes through that worker, so all
clients of a session observe updates and kernel events in the same order. Different sessions
share nothing and run in parallel.

The Manager opens sessions on demand, loading notebooks through a ports.NotebookStore under
a per-notebook lock, and tears them down once the last client has been gone for a grace
period.
*/
package session
