package builtin

import "github.com/ashita-ai/conductor/internal/tools"

// Backend is what the record and mutation tools need.
type Backend interface {
	RecordReader
	Mutator
}

// All returns every built-in tool. Remote tools are included only when
// worker is non-nil.
func All(backend Backend, worker *WorkerClient) []tools.Tool {
	out := append(RecordTools(backend), MutationTools(backend)...)
	if worker != nil {
		out = append(out, RemoteTools(worker)...)
	}
	return out
}
