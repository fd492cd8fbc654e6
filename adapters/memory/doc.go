// Package memory provides in-memory implementations of the relay repository
// and broker interfaces.
//
// The repositories honor the same conditional-update contracts as the SQL
// adapters: Claim, MarkProcessed, and the lock transitions are atomic under
// a mutex, so concurrency-sensitive service code behaves the same against
// both backends. The broker models topics, subscriptions, lock tokens, and
// per-subscription dead-letter queues.
//
// Intended for tests, examples, and single-process deployments where
// durability is not required. State is lost on restart.
package memory
