// Package esb holds the data model shared by every participant of the event bus:
// outbox rows, cache subscriptions and entries, the Kafka wire envelope, and the
// helper domain services use to record outbox rows inside their own transaction.
package esb
