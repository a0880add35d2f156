// Package async runs background work with panic recovery, per-task timeouts
// and logging through the structured logger carried in the context.
//
// SafeGo fires a single task and forgets it:
//
//	async.SafeGo(context.WithoutCancel(ctx), 15*time.Second, "slack alert", func(ctx context.Context) error {
//		return post(ctx, message)
//	})
//
// Batch fans a slice out over a fixed number of workers and collects every
// error in item order:
//
//	errs := async.Batch(ctx, claimed, 4, "webhook retry", time.Minute, process)
//
// Ledger close, invoice generation, payment submission and webhook
// redelivery all go through Batch. Slack alerts use SafeGo.
package async
