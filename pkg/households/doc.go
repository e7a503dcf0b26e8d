// Package households manages households, the unit that owns a
// subscription, and the users attached to them.
//
// A user belongs to at most one household. Creating a household attaches
// its owner in the same transaction.
package households
