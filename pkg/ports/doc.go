/*
Package ports defines the driven ports (interfaces) of the session engine.

These interfaces decouple sessions from storage and coordination backends.

# Key Interfaces

  - NotebookStore: loads and saves notebook documents.
  - DistributedLocker: serializes session opening across replicas.
*/
package ports
