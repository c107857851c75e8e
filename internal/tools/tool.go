// Package tools implements the worker tool catalog: file I/O, shell
// execution, search, web fetch, and SQL, each validated against the
// project root and (for shell) an allow-list before it touches anything.
package tools

import "context"

// Tool is one callable the worker loop can invoke by name with JSON-decoded
// arguments, returning a single string result for the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// onWriteKey scopes the write-notification sink to a single Execute call,
// since a Registry is shared across every concurrently-dispatched worker
// and a field on WriteFileTool/PatchFileTool would let one worker's writes
// clobber another's sink.
type onWriteKey struct{}

// WithOnWrite attaches a callback invoked with the project-relative path
// of any file write_file or patch_file performs while executing under ctx.
func WithOnWrite(ctx context.Context, fn func(path string)) context.Context {
	return context.WithValue(ctx, onWriteKey{}, fn)
}

func onWriteFromContext(ctx context.Context) func(path string) {
	fn, _ := ctx.Value(onWriteKey{}).(func(path string))
	return fn
}
