// Package node probes redis store nodes and changes their replication role.
//
// A probe issues INFO replication and maps the answer to a cluster.Role.
// Probes and role changes retry transient connection errors a bounded number
// of times with a fixed sleep; once the retries are spent a probe reports
// RoleUnreachable and a role change returns a *CommandError marked with
// ErrUnreachable. Nothing in this package panics on an unreachable node.
//
// Package nodetest provides an in-memory cluster of fake nodes for tests.
package node
