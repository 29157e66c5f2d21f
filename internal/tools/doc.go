// Package tools provides host helpers shared by runtime modules.
//
// Ownership boundary:
// - command execution
// - opening received artifacts with the desktop handler
package tools
