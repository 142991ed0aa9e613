// Package event defines the canonical envelope shared by every layer of the
// distribution engine: producers create them, the replay buffer sequences them,
// and the router/throttle/batch pipeline moves copies of them toward clients.
package event
