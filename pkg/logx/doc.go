// Package logx configures quietbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - the optional file sink is JSON
//   - levels and sinks can be swapped at runtime through Service.Apply
package logx
