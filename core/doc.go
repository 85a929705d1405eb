// Package core holds the domain types shared by every contextree component:
//
//   - Messages and tool-call requests exchanged with the model
//   - Application state (State) and its versioned, concurrency-safe StateStore
//   - ToolContext, the surface a tool sees while it runs
//   - The error taxonomy (activation, server connect, tool lookup/invocation, loop limit)
//
// The package has no dependencies on the tree, registry or turn loop so that
// tools and adapters can import it without cycles.
package core
