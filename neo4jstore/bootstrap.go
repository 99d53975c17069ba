package neo4jstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// schema lists the constraints a physical-twin database relies on. Uniqueness
// constraints also back the MERGE statements of the Store with an index, and
// prevent concurrent MERGEs from creating duplicate nodes.
var schema = []struct {
	name  string
	query string
}{
	{
		name:  "time_timestamp",
		query: `FOR (t:Time) REQUIRE t.timestamp IS UNIQUE`,
	},
	{
		name:  "timeline_lock_id",
		query: `FOR (l:TimelineLock) REQUIRE l.id IS UNIQUE`,
	},
	{
		name:  "execution_id",
		query: `FOR (ex:Execution) REQUIRE ex.executionId IS UNIQUE`,
	},
	{
		name:  "command_key",
		query: `FOR (c:Command) REQUIRE (c.executionId, c.commandId) IS UNIQUE`,
	},
	{
		name:  "snapshot_key",
		query: `FOR (s:OutputSnapshot) REQUIRE (s.twinId, s.executionId, s.timestamp) IS UNIQUE`,
	},
	{
		name:  "result_key",
		query: `FOR (r:CommandResult) REQUIRE (r.twinId, r.executionId, r.commandId) IS UNIQUE`,
	},
	{
		name:  "robot_key",
		query: `FOR (r:BraccioRobot) REQUIRE (r.twinId, r.executionId) IS UNIQUE`,
	},
}

// BootstrapDatabase creates the database if it does not exist, then applies
// BootstrapSchema to it.
//
// To execute queries against the created database, open a session with the
// database name as the default database. For example:
//
//	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
//	defer func() { _ = s.Close(ctx) }()
//	... use s ...
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return BootstrapSchema(ctx, d, name)
}

// BootstrapSchema creates the constraints of a physical-twin graph, and the
// TimelineLock node, in an existing database. Use it directly on databases that
// cannot be created by BootstrapDatabase, such as the default "neo4j" database.
//
// Creating the uniqueness constraints fails while the graph holds duplicates,
// like Time nodes written by older drivers; run RelinkTimeline first.
//
// This function is idempotent.
func BootstrapSchema(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name, AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// Schema commands cannot share a transaction with data writes, so each runs in
	// its own auto-commit transaction.
	for _, c := range schema {
		result, err := s.Run(ctx, "CREATE CONSTRAINT "+c.name+" IF NOT EXISTS "+c.query, nil)
		if err != nil {
			return fmt.Errorf("constraint %v: %w", c.name, err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("constraint %v: %w", c.name, err)
		}
	}

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, lockTimeline(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("create timeline lock: %w", err)
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jstore: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jstore: database name must not be neo4j: reserved for the default database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jstore: names that begin with an underscore and with the prefix system are reserved for internal use")
	}

	// Administration commands run against the system database.
	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "system", AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// CREATE DATABASE returns before the database comes online, so wait for it;
	// the store is useless until then.
	result, err := s.Run(ctx, `
		CREATE DATABASE $name IF NOT EXISTS WAIT
	`, map[string]any{
		"name": name,
	})
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}
