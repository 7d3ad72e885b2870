// Package redelivery drains the deferred notification queue.
//
// A poll cycle fetches due records earliest first and attempts each one:
// any successful recipient marks the record sent, otherwise it is pushed to
// the next active time until MaxRetries attempts have failed and it becomes
// failed for good. A daily reap deletes old sent and failed records. Both
// jobs run on the process scheduler.
package redelivery
