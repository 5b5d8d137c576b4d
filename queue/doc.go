// Package queue keeps the catalog of monitored queues: persisted
// configuration, a live registry and a running engine per entry.
//
// A queue config binds a friendly display name to a Bull queue name on a
// registered Redis connection. The registry resolves that binding into a
// bull.Engine at registration time and keeps the two in lockstep through
// updates and removals.
package queue
