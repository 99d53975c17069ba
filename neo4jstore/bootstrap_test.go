package neo4jstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-physicaltwin/internal/dbtest"
)

func TestBootstrapDatabase(t *testing.T) {
	d := dbtest.SetupNeo4j(t)

	var want []string
	for _, c := range schema {
		want = append(want, c.name)
	}
	slices.Sort(want)

	// Database names follow the lab conventions: one database per cell, or per
	// dated campaign.
	for _, database := range []string{
		"braccio-lab",
		"Cell7",
		"campaign.2026",
		"0f9c1d2e-3b4a-4c5d-8e6f-7a8b9c0d1e2f",
	} {
		t.Run(database, func(t *testing.T) {
			ctx := context.Background()
			// Bootstrapping twice is harmless.
			for range 2 {
				if err := BootstrapDatabase(ctx, d, database); err != nil {
					t.Fatalf("BootstrapDatabase() error = %v", err)
				}
			}

			session := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database})
			defer func() {
				if err := session.Close(ctx); err != nil {
					t.Fatal("Failed to close session:", err)
				}
			}()

			// Neo4j renamed the UNIQUENESS type to NODE_PROPERTY_UNIQUENESS in 5.7.
			result, err := session.Run(ctx, "SHOW CONSTRAINTS YIELD name, type WHERE type ENDS WITH 'UNIQUENESS' RETURN name", nil)
			if err != nil {
				t.Fatal("Failed to list constraints:", err)
			}
			var got []string
			for result.Next(ctx) {
				t.Log(result.Record().AsMap())
				name, err := getRecordProperty[string](result.Record(), "name")
				if err != nil {
					t.Fatal("Constraints table contains no name column:", err)
				}
				got = append(got, name)
			}
			if err := result.Err(); err != nil {
				t.Fatal("Failed to list constraints:", err)
			}
			slices.Sort(got)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("constraints mismatch (-want +got):\n%s", diff)
			}

			result, err = session.Run(ctx, "MATCH (l:TimelineLock) RETURN count(l) AS count", nil)
			if err != nil {
				t.Fatal("Failed to count timeline locks:", err)
			}
			locks, err := singleCount(ctx, result)
			if err != nil {
				t.Fatal("Failed to count timeline locks:", err)
			}
			if locks != 1 {
				t.Errorf("database has %d timeline locks, want 1", locks)
			}
		})
	}

}

func TestBootstrapDatabaseRejectsNames(t *testing.T) {
	d := dbtest.SetupNeo4j(t)

	// Reserved names panic before reaching the server; the server refuses the
	// others.
	tests := []struct {
		database  string
		wantPanic bool
	}{
		{"", true},
		{"neo4j", true},
		{"system", true},
		{"systemLake", true},
		{"_lake", true},
		{"ab", false},
		{strings.Repeat("b", 64), false},
		{"braccio_lab", false},
		{"braccio/lab", false},
	}
	for _, tt := range tests {
		database, wantPanic := tt.database, tt.wantPanic
		t.Run(fmt.Sprintf("%q", database), func(t *testing.T) {
			defer func() {
				if r := recover(); (r != nil) != wantPanic {
					t.Errorf("BootstrapDatabase(%q) panic = %v, wantPanic %v", database, r, wantPanic)
				}
			}()
			if err := BootstrapDatabase(context.Background(), d, database); err == nil {
				t.Errorf("BootstrapDatabase(%q) succeeded, want error", database)
			}
		})
	}
}
