// Package debugdetect reports whether the current process is traced by a
// debugger.
//
// A debugger tracing the process holds its task exception ports, so
// exceptions that are not caught at thread level go to the debugger
// before they reach a task level handler installed by this process.
package debugdetect
