// Package relay provides a guaranteed-delivery message routing core for Go
// integration middleware: bulk sources are debatched into individually
// tracked messages, fanned out to every registered destination, and retried
// until each destination confirms processing.
//
// Works both as a library for embedding in your application AND as a
// standalone routing service with REST API.
//
// # Features
//
//   - Guaranteed Delivery: a message is only deleted after every destination processed it
//   - Content-Hash Idempotency: duplicate submissions inside the retention window are true no-ops
//   - Debatching: one bulk read becomes N independently routed, independently retried messages
//   - Two Transports: database store-and-forward or a NATS JetStream broker
//   - Persisted Lock Tokens: broker delivery locks survive worker restarts
//   - Lock Renewal Loop keeps long-running deliveries locked and expires dead workers
//   - Dead Letter Monitoring with pluggable notifications
//   - Domain-Driven Design with rich domain models containing business logic
//   - Repository Pattern for clean data access abstraction
//   - Options Pattern for modern Go API design
//   - Pluggable architecture: bring your own Logger, Notification system, Adapters
//   - Multi-Database Support: MySQL, PostgreSQL, SQLite via Relica adapters
//   - Embedded Migrations for easy database setup
//
// # Quick Start
//
// # Option 1: As Embedded Library
//
// First, apply the database migrations:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/relay"
//	    relicaadapter "github.com/coregx/relay/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, _ := sql.Open("mysql", "user:pass@tcp(localhost:3306)/relay?parseTime=true")
//
// Use production-ready Relica adapters:
//
//	// Create all repositories at once
//	repos := relicaadapter.NewRepositories(db, "mysql")
//
//	// Register destination adapter instances
//	registry := relay.NewRegistry()
//	registry.Register(relay.Instance{
//	    AdapterName: "sql-writer",
//	    InstanceID:  "warehouse-a",
//	    Adapter:     mySQLWriter,
//	    Destination: relay.DestinationDescriptor{Target: "warehouse_orders"},
//	})
//
//	// Create services with Options Pattern
//	admitter, _ := relay.NewAdmitter(
//	    relay.WithAdmitterRepositories(repos.Message, repos.Subscription, repos.Registration),
//	    relay.WithAdmitterLogger(logger),
//	)
//
//	forwarder, _ := relay.NewForwarder(
//	    relay.WithRepositories(repos.Message, repos.Subscription, repos.Registration),
//	    relay.WithRegistry(registry),
//	    relay.WithLogger(logger),
//	)
//
//	// Run forwarder (processes pending messages every 30 seconds)
//	ctx := context.Background()
//	forwarder.Run(ctx, 30*time.Second)
//
// Admit a record:
//
//	result, err := admitter.Admit(ctx, relay.AdmitRequest{
//	    InterfaceName:      "orders",
//	    ProducerName:       "file-reader",
//	    ProducerInstanceID: "dropbox-1",
//	    Payload:            model.NewPayload(headers, record),
//	})
//
// # Option 2: As Standalone Service
//
// Run the standalone relay server:
//
//	cd cmd/relay-server
//	go build && ./relay-server
//
// Access REST API at http://localhost:8080:
//
//	# Admit message
//	curl -X POST http://localhost:8080/api/v1/admit \
//	  -H "Content-Type: application/json" \
//	  -d '{"interfaceName":"orders","producerName":"api","producerInstanceID":"ext-1","payload":{"headers":["id"],"record":{"id":"42"}}}'
//
//	# Health check
//	curl http://localhost:8080/api/v1/health
//
// # Message Flow
//
//  1. INGEST
//     Ingestor → source Adapter.Read (bulk)
//     → debatch: one Admit per record
//     → content hash dedup (duplicates are no-ops)
//     → Create Message + one Subscription row per active Registration
//
//  2. DELIVER (Background)
//     Store-and-forward: Forwarder claims pending messages (lease),
//     writes to each unprocessed destination, marks subscription rows.
//     Broker: Consumer receives from JetStream, persists the lock token,
//     delivers, then settles (ack / nak / dead-letter).
//
//  3. RENEW (Background)
//     LockRenewer extends broker locks for in-flight deliveries and
//     expires the ones whose workers died.
//
//  4. CLEAN UP
//     A message whose subscription rows are all processed is deleted.
//     Terminal stragglers are garbage-collected after the retention window.
//
// # Database Schema
//
// The library requires 4 database tables (created via embedded migrations):
//
//	relay_messages       - Admitted messages with content-hash dedup
//	relay_subscriptions  - Per-destination delivery obligations
//	relay_delivery_locks - Persisted broker lock tokens
//	relay_registrations  - Destination adapter registrations
//
// Supports MySQL, PostgreSQL, and SQLite via Relica adapters.
// Table prefix is "relay_".
//
// # Examples
//
// See the examples/ directory for complete working examples.
package relay
