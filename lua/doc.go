// Package lua implements EVAL, EVALSHA and the SCRIPT cache on top of
// gopher-lua.
//
// Scripts see KEYS and ARGV tables plus a redis table with call, pcall,
// status_reply and error_reply. Commands issued through redis.call are
// parsed like client requests and handed to an Executor, so a SET from a
// script is stored and propagated exactly like one sent by a client. Only
// PING, ECHO, GET and SET are accepted from scripts.
//
// Replies convert as follows:
//   - strings and numbers become bulk strings (numbers truncate to integers)
//   - nil and false become the null bulk, true becomes "1"
//   - {ok=...} becomes a status, {err=...} a *ReplyError
//   - other tables become arrays, up to the first nil
//
// Each evaluation gets a fresh state with the base, table, string and math
// libraries only. Evaluations are serialized.
package lua
