/*
Package dbtest starts the databases backing the data lake in throwaway Docker
containers, for tests of the neo4jstore and redisstore packages.

SetupNeo4j and SetupRedis return a client connected to a fresh database. The
test is skipped in '-short' mode, runs in parallel, and the container is
terminated once the test completes. Tests needing an unusual deployment should
use the testcontainers-go modules directly instead.

After a failure, the container can be kept running for manual inspection:

	go test -dbtest.inspect

This package is intended to be used in tests only.
*/
package dbtest
