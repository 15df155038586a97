// Package lock provides a distributed counting semaphore. With a limit of 1
// it is a named lock. Membership lives in the shared store and every
// acquire/release is a single Lua procedure, so the number of holders never
// exceeds the limit regardless of how many processes race for a slot.
//
// Leases are mandatory: a holder that crashes without releasing gives its
// slot back once the lease expires. By default the whole membership set
// carries one TTL refreshed on each acquire; WithHolderLeases switches to a
// per-holder expiry swept on every call. Release and acquire events
// propagate through a syncbus Bus so AcquireWait wakes up as soon as a slot
// frees.
package lock
