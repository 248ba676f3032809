// Package rule defines scheduling rules: the containment and conflict
// relations the job manager uses to decide which jobs may run together.
//
// A rule answers two questions about another rule. Contains is a partial
// order (reflexive, antisymmetric, transitive) used to allow nested
// acquisition. IsConflicting is reflexive and symmetric and decides mutual
// exclusion. Implementations must be pure and safe for concurrent use, and
// must answer false for rule types they do not know.
package rule
