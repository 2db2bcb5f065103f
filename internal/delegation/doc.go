// Package delegation brokers an agent's request to act for a human user.
//
// A request is parked as pending_user_consent until the user approves or denies it
// on the consent page, or until it expires. Approval yields a single-use
// authorization code which the same agent token trades for a short-lived user
// token. Transitions are monotonic and every one is a compare-and-swap in the store.
package delegation
