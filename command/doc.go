// Package command maps decoded protocol frames onto a closed set of typed
// commands.
//
// Parsing is pure: no I/O and no store access. The first argument selects
// the command case-insensitively, unknown names become Unrecognized, and
// commands missing a required argument fail with an *ArgError so the
// dispatcher can skip them without replying.
package command
