// Package commandqueue runs supervised tasks on named lanes.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently, up to the queue-wide limit.
// - Every task runs inside its own trace scope, so interleaved lanes never
//   observe each other's trace id.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.WithMaxConcurrent(4))
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "agent:research", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
