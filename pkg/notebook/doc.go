/*
Package notebook contains the in-memory notebook document and the pure reducer that mutates it.

Nothing in this package performs I/O. A Notebook is owned by exactly one session and is only
ever changed through Apply (for client actions) or ApplyUpdate (for replaying an Update that was
already produced by Apply, e.g. on a replica).

# Key Entities

  - Notebook, Worksheet, Cell, Output: the document tree.
  - Action: a client intent. A closed set of types; every Action knows its Update.
  - Update: the broadcast delta an Action produced. Updates are idempotent when re-applied to a
    document that already reflects them.

# Position Rule

Cells are inserted (addCell) or reinserted (moveCell) immediately after the cell named by
insertAfter, or at index 0 when insertAfter is nil.
*/
package notebook
