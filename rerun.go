// Package rerun holds build metadata shared by the CLI and the MCP server.
package rerun

// Version is the release version, overridden at build time via -ldflags.
var Version = "0.3.0"
