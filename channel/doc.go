// Package channel drives the lifecycle of a single payment channel: from
// creation through on-chain anchoring and funding to closure. The clearing
// node prepares and countersigns states, an opaque on-chain collaborator
// submits them; this package owns the ordering, the version accounting and
// the recovery paths between the two.
package channel
