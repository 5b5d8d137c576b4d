// Package bull implements the Redis-backed job queue engine driven by the
// queue registry.
//
// The engine never opens its own sockets: it obtains every Redis link through
// a ClientFactory supplied at construction time, asking for one of three
// roles. The "client" and "subscriber" roles are shared, idempotent links;
// "bclient" is a dedicated blocking-operation link requested once per
// concurrent consumer, because a blocking pop on a shared link would stall
// unrelated commands behind it.
//
// Data lives under Bull-compatible keys: bull:<queue>:wait, :active,
// :completed, :failed, :delayed and :paused hold job ids, bull:<queue>:<id>
// hashes hold job payloads, and a time-windowed bull-workers:<queue> sorted
// set indexes live workers. Lifecycle events (waiting, active, completed,
// failed) are published on bull:<queue>:events so they fire regardless of
// which process enqueued or processed the job.
package bull
