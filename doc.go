// Package cmdi runs a bounded pool of ephemeral, single-tenant CTF
// sandboxes behind a FIFO waiting queue.
//
// Each connected user may hold at most one sandbox at a time. When a
// slot is free, a request provisions a container and hands back a URL
// with an embedded access credential; when the pool is full, the user
// is queued with a projected wait time. Sandboxes expire after a fixed
// duration, freeing the slot for the queue head.
//
// The Scheduler is the single owner of all session/queue state. Its
// entry points (Request, the supervisor tick, Disconnect, Stats)
// serialize on one mutex; notifications are buffered under the lock and
// flushed after it is released, so a slow client can never stall
// scheduling.
//
//	prov := provision.New(backend, provision.WithPortRange(10000, 10010))
//	sched := cmdi.NewScheduler(prov, hub,
//		cmdi.WithCapacity(5),
//		cmdi.WithSessionDuration(60*time.Second),
//	)
//	go sched.Run(ctx)
package cmdi
