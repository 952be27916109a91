// Package tui renders run hierarchies in the terminal.
package tui
