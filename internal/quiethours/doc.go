// Package quiethours decides whether an admin notification may be delivered
// now, or must wait for the next morning delivery time.
//
// Rules is an immutable, parsed snapshot of the operator settings. Evaluator
// holds the current snapshot and swaps it on Apply, so readers never see a
// half-updated configuration.
package quiethours
