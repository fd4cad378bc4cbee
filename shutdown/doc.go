// Package shutdown coordinates graceful teardown of a broker process.
//
// Components register handlers in phases; lower phases run first and
// handlers within a phase run concurrently. The natural ordering for a
// broker is: phase 0 stops intake and drains the queue, phase 1 closes
// the broker's coordination primitives, phase 2 closes the shared store
// and channel connections. HandleSignals wires the sequence to SIGINT
// and SIGTERM.
package shutdown
