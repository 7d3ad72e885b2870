// Package scheduler owns every periodic timer of the process. Jobs are
// registered by name as either a fixed interval or a daily wall-clock time
// in the scheduler timezone. A job never overlaps itself, and Stop waits
// for in-flight runs.
package scheduler
