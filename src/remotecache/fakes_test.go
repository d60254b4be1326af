package remotecache

import "time"

// fakeDownstream is a DownstreamRunner whose latency and result are fixed by
// the test, so speculation races are deterministic.
type fakeDownstream struct {
	delay  time.Duration
	result ExecutionResult
	err    error
}

func (f *fakeDownstream) Run(ctx *Context, cmd CommandDescriptor) (ExecutionResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result, f.err
}
