/*
Package kernel drives one compute kernel over its wire protocol.

A Client speaks the shell and iopub channels: it sends execute requests, correlates replies and
outputs with the request that caused them through the parent message id, and fails every
outstanding call when the connection goes away. A Manager owns the process lifecycle around a
Client and relaunches the kernel with backoff when it dies.

Messages are multipart frames:

	[identities..., "<IDS|MSG>", signature, header, parent_header, metadata, content]

where the signature is the hex HMAC-SHA256 of the four JSON parts, or empty when no key is set.
*/
package kernel
