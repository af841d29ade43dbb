package tip

// MaliciousFlags cause the worker to misbehave deliberately, so that
// the ability of other replicas to detect divergence can be tested.
// They only have an effect in binaries built with the malicious_code
// build tag.
type MaliciousFlags struct {
	// Heights at which the root hash of the manifest is altered.
	CorruptOwnStateAtHeights []uint64
}
