// Package workgraph provides a low-level fire-once value cell used to
// implement the pipelined async Get handles exposed by package client
// (aget/amget/aget_test/aget_wait).
//
// A Cell is produced with exactly one Caller initially responsible for
// resolving it; resolving it wakes every other Caller waiting on it. Callers
// and cells form a bipartite graph: each Caller awaits at most one cell at a
// time, and each cell has exactly one Caller currently responsible for
// resolving it. If Caller A ends up (directly or transitively) awaiting a
// cell that only resolves once A itself resolves some other cell, every
// request on that cycle fails fast with ErrSelfDependency instead of
// deadlocking — this is the only safety net against a goroutine pipelining
// async Gets in a way that waits on its own result.
//
// This package is not part of the distributed protocol: the sync protocol's
// own re-entrancy (the rank tie-break in package syncproto) is handled by an
// explicit poll loop instead, because a server must never block a goroutine
// while servicing other servers. Cell is for same-process, same-rank
// goroutines pipelining requests against a local client library.
package workgraph
