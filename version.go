// Package shellcommand is the root of the shell-command MCP server module.
package shellcommand

// Version is the release version reported by the CLI and the MCP server.
const Version = "0.3.0"
