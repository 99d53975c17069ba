package dbtest

import (
	"context"
	"net/url"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image of the Neo4j container. The enterprise edition is
// needed by neo4jstore.BootstrapDatabase, which creates databases.
//
// See <https://hub.docker.com/_/neo4j> for more images.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// Port of the Neo4j Browser, printed for inspection.
const neo4jHTTP = nat.Port("7474/tcp")

// SetupNeo4j starts a Neo4j container without authentication and returns a
// driver connected to it. Both are released when t completes.
//
// The driver reaches the default "neo4j" database, where nothing was
// bootstrapped yet: call neo4jstore.BootstrapSchema, or create a database of
// your own with neo4jstore.BootstrapDatabase.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	requireContainers(t)
	ctx := context.Background()

	container, err := neo4jtest.Run(ctx, Neo4jImage, containerOptions(t,
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)...)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	httpEndpoint, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
	if err != nil {
		t.Fatal("Failed to get http endpoint:", err)
	}
	// See <https://neo4j.com/docs/browser-manual/current/operations/browser-url-parameters>
	cleanupContainer(t, container, "neo4j",
		"HTTP URL = "+httpEndpoint+"/browser?preselectAuthMethod="+url.QueryEscape("[NO_AUTH]")+"&dbms="+url.QueryEscape(boltURL),
		"Bolt URL = "+boltURL,
	)

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Encountered an error during cleanup while closing the neo4j driver:", err)
		}
	})

	if err := retry(t, ctx, "connect to neo4j", driver.VerifyConnectivity); err != nil {
		t.Fatal("Failed to connect to neo4j:", err)
	}
	return driver
}
