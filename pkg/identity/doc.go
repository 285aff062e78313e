// Package identity resolves the person an event belongs to. A Resolver is built per event,
// creates the person on first sight of a distinct id, merges identities on $identify,
// $create_alias and $merge_dangerously, and applies $set, $set_once and $unset.
//
// Consistency comes from the store's uniqueness constraints: every write that can race with
// another worker is retried a bounded number of times after re-reading state. There are no
// cross-event locks.
package identity
