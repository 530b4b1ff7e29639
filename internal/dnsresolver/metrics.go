package dnsresolver

// Metrics is the resolver's observability seam: it emits a handful of
// named counters and leaves wiring them to a real metrics exporter
// (Prometheus, StatsD, ...) to the embedder.
type Metrics interface {
	// QueryWritten counts one query sent to a name server.
	QueryWritten(name, server string)
	// Query counts a completed query attempt, tagged by its cause
	// ("cache-hit" for an answer served from the cache, "resolve" for an
	// answer from a name server) and result ("ok", "nxdomain", "notzone").
	Query(cause, name, result string)
	// NoAnswer counts a response that carried no usable answer, tagged by
	// the DNS response code.
	NoAnswer(code, name string)
	// Cnamed counts a CNAME redirection followed during resolution.
	Cnamed(cname, name string)
}

// nopMetrics discards everything. Used when Options.Metrics is nil or
// Options.DisableMetrics silences emission.
type nopMetrics struct{}

func (nopMetrics) QueryWritten(string, string)  {}
func (nopMetrics) Query(string, string, string) {}
func (nopMetrics) NoAnswer(string, string)      {}
func (nopMetrics) Cnamed(string, string)        {}
