package bull

// keyBuilder constructs the Bull-compatible key names for one queue.
type keyBuilder struct {
	prefix string
	queue  string
}

func newKeyBuilder(prefix, queue string) keyBuilder {
	if prefix == "" {
		prefix = "bull"
	}
	return keyBuilder{prefix: prefix, queue: queue}
}

func (k keyBuilder) base() string      { return k.prefix + ":" + k.queue }
func (k keyBuilder) wait() string      { return k.base() + ":wait" }
func (k keyBuilder) active() string    { return k.base() + ":active" }
func (k keyBuilder) completed() string { return k.base() + ":completed" }
func (k keyBuilder) failed() string    { return k.base() + ":failed" }
func (k keyBuilder) delayed() string   { return k.base() + ":delayed" }
func (k keyBuilder) paused() string    { return k.base() + ":paused" }

func (k keyBuilder) metaPaused() string { return k.base() + ":meta-paused" }
func (k keyBuilder) idCounter() string  { return k.base() + ":id" }
func (k keyBuilder) events() string     { return k.base() + ":events" }

func (k keyBuilder) job(id string) string { return k.base() + ":" + id }

// The worker index lives outside the bull:<queue> prefix; the key names are
// shared with the dashboards that already read them.
func (k keyBuilder) workers() string           { return "bull-workers:" + k.queue }
func (k keyBuilder) workerJob(w string) string { return "bull-workers:" + k.queue + ":" + w }

// structuralSuffixes are the non-job key suffixes under bull:<queue>. Note
// the wait list's suffix is "wait", not the status name "waiting".
var structuralSuffixes = map[string]struct{}{
	"wait":        {},
	"active":      {},
	"completed":   {},
	"failed":      {},
	"delayed":     {},
	"paused":      {},
	"meta-paused": {},
	"id":          {},
	"events":      {},
}

// statusKey returns the key holding ids for a status and whether it is a
// sorted set (true) or a list (false).
func (k keyBuilder) statusKey(s Status) (key string, sorted bool, ok bool) {
	switch s {
	case StatusWaiting:
		return k.wait(), false, true
	case StatusActive:
		return k.active(), false, true
	case StatusPaused:
		return k.paused(), false, true
	case StatusCompleted:
		return k.completed(), true, true
	case StatusFailed:
		return k.failed(), true, true
	case StatusDelayed:
		return k.delayed(), true, true
	default:
		return "", false, false
	}
}
