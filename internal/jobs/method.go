package jobs

// Method enumerates the available job methods.
type Method string

const (
	// Compound methods own child jobs rather than doing work themselves.

	// MethodParallel runs all child jobs simultaneously.
	MethodParallel Method = "parallel"
	// MethodSeries runs child jobs one after another.
	MethodSeries Method = "series"
	// MethodChain runs child jobs one after another, feeding results forward.
	MethodChain Method = "chain"

	// MethodPull fetches a source into a project working directory.
	MethodPull Method = "pull"
	// MethodSession starts an interactive execution session.
	MethodSession Method = "session"
	// MethodSleep sleeps for a number of seconds; used for testing the
	// dispatch and event pipeline end to end.
	MethodSleep Method = "sleep"
)

var knownMethods = map[Method]bool{
	MethodParallel: true,
	MethodSeries:   true,
	MethodChain:    true,
	MethodPull:     true,
	MethodSession:  true,
	MethodSleep:    true,
}

// IsMember reports whether the method is known.
func (m Method) IsMember() bool {
	return knownMethods[m]
}

// IsCompound reports whether the method owns child jobs.
func (m Method) IsCompound() bool {
	return m == MethodParallel || m == MethodSeries || m == MethodChain
}
