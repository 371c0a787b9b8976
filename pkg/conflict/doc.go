// Package conflict decides which of one round trip's tool-call requests may
// execute. Resolution is a pure function of the request batch, the turn's
// allowed-tool set and a static set of tables, so identical inputs always
// produce the identical winners/skipped partition.
package conflict
