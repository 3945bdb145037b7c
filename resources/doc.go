// Package resources manages the per-switch id pools the sagas allocate from:
// meter ids, LAG logical port numbers and BFD discriminators.
//
// Each (kind, switch) pool is a bitset of free ids over a configured range.
// Allocation takes the lowest free id; releasing an id that is already free is
// a no-op, so compensation can deallocate without tracking what was already
// undone. Every held id records its owner, which makes leaks detectable
// through AllocationsOwnedBy.
package resources
