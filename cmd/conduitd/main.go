// Command conduitd runs the conversational agent server: profile-scoped
// turns over LLMs and MCP tool servers, backed by per-owner consumption
// accounting and per-profile knowledge graphs.
package main

var version = "dev"

func main() {
	Execute(version)
}
