// Package server accepts client connections and executes their commands.
//
// Each connection runs its own request loop: read a frame, parse it into a
// command, execute it against the shared Env, write the reply. Unknown
// commands and commands with missing arguments get no reply at all and the
// loop moves on.
//
// A connection that sends PSYNC ? -1 receives FULLRESYNC and a snapshot and
// then becomes a replica stream: every write applied afterwards, from any
// connection or script, is forwarded to it in publication order until it
// disconnects or falls too far behind.
//
// Supported commands: PING, ECHO, GET, SET, INFO, REPLCONF, PSYNC, HELLO,
// and EVAL, EVALSHA and SCRIPT when scripting is enabled.
package server
