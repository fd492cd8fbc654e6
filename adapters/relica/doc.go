// Package relica provides repository implementations using Relica query builder.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database query builder
// for Go with zero production dependencies.
//
// This package provides production-ready implementations of all relay repository interfaces:
//   - MessageRepository
//   - SubscriptionRepository
//   - DeliveryLockRepository
//   - RegistrationRepository
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/relay"
//	    "github.com/coregx/relay/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	// Open database connection
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/relay_db?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create repositories (driverName should be "mysql", "postgres", or "sqlite3")
//	repos := relica.NewRepositories(db, "mysql")
//
//	// Create services
//	forwarder, err := relay.NewForwarder(
//	    relay.WithRepositories(repos.Message, repos.Subscription, repos.Registration),
//	    relay.WithRegistry(registry),
//	    relay.WithLogger(logger),
//	)
package relica
