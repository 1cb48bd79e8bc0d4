// Command taskgraph runs a dependency-aware task graph with bounded
// parallelism, resource locks and crash-safe checkpoints.
package main

import "os"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
