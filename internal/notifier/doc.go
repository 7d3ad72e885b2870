// Package notifier is the entry point for admin notifications.
//
// Dispatcher.Notify decides per message:
//
//   - emergency (keyword or user id, when allowed): sent now, even in quiet hours
//   - outside quiet hours: sent now
//   - inside quiet hours: stored as one pending record per call, scheduled
//     for the next active time
//
// Sends go through a Sender (the delivery client in production) and the
// outcome is reported per recipient.
//
// # History
//
// For operator visibility the dispatcher keeps a small in-memory history of
// recent decisions; /quiet shows it.
package notifier
