// Package engine drives environments through their lifecycle. It composes
// the validator, scheduler, registry, and adapter subsystems: submissions are
// validated and queued for admission, granted capacity flows into background
// provisioning tasks, and suspend, resume, and terminate requests serialize
// against the registry's compare-and-swap so concurrent triggers converge on
// one outcome instead of colliding. After a restart, Recover reconciles
// persisted records with the actual state of their instances.
package engine
