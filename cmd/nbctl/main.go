// Package main is the entry point for the nbctl binary, the operator
// CLI for a mcp-jupyter host: persisted sessions, zombie reaping, and
// the provenance trail.
package main

import "github.com/davidwarshawsky/mcp-server-jupyter/internal/cli"

func main() {
	cli.Execute()
}
