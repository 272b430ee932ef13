// Package turn owns the global output order of a run. A Sequencer holds the
// total order over units and the unit currently allowed to write to the shared
// sink; workers block on it (or poll it) until their unit is active and retire
// the unit once all of its output has been flushed.
package turn
