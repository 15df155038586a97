// Package ratelimit implements a distributed token bucket.
//
// Every Allow call runs one Lua procedure that reads the bucket, refills it
// for the elapsed time, and takes the cost when enough tokens are available.
// The read/refill/decrement cycle is atomic in the store, so any number of
// processes can share one bucket:
//
//	l := ratelimit.New(client)
//	dec, err := l.Allow(ctx, "openai:org-1", ratelimit.Limit{Capacity: 60, RefillRate: 1, Cost: 1})
//
// A denied request is a Decision with Allowed false, not an error. Take
// applies the caller policy on deny: fail fast with ErrRateLimitExceeded, or
// poll every PollInterval until allowed or the max wait elapses
// (ErrRateLimitWaitTimeout).
//
// Buckets are stored as Redis hashes with the fields "tokens" and "ts" (last
// refill, epoch milliseconds) and expire after Limit.TTL of inactivity.
package ratelimit
