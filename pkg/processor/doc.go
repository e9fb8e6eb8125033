/*
Package processor routes client actions through an ordered chain of processors.

Each processor either handles an action, which stops the chain, or passes it on. The chain
always ends in Apply, which hands the action to the document reducer, so every valid action is
handled by exactly one processor. Cross-cutting rules such as read-only enforcement live in
their own processors and never touch the reducer or the kernel code.
*/
package processor
