// Package testutil provides test doubles shared across packages: an in-memory
// NATS client with wildcard subscriptions and polling helpers.
package testutil
