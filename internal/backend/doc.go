// Package backend defines the contract every node executor implements, the
// per-invocation TaskContext exchanged between the scheduler and executors,
// the Manager that classifies nodes and owns executor lifecycles, and the
// built-in compute, host, collective and local executors.
package backend
