// Package sandbox runs guest script in an isolated goja runtime behind a
// membrane. Each sandbox owns its runtime, membrane, console capture and
// timer shim; execution turns are serialized and bounded by a timeout
// enforced through engine interrupts. Terminate is absorbing: it stops
// outstanding timers, interrupts any running turn and invalidates every
// membrane wrapper in one step.
package sandbox
