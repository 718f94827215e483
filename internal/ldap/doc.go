// Package ldap is the directory access layer: a pooled, concurrency-limited
// go-ldap client with a TTL cache of base-scope lookups and hook chains
// wrapped around every verb.
//
// Every operation follows the same order: pre-hook chain, wire round-trip,
// cache invalidation, post-hook fan-out. Chained hook failures abort the
// operation before the wire; fan-out failures are logged and recorded as
// request warnings. The Directory interface is what the rest of the system
// consumes; tests substitute a fake without a live server.
package ldap
