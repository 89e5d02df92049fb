// Package hostexec is the single choke point for host-level actions. A
// Backend runs commands and reads files against one target: the local
// machine, or one fixed remote host reached over a non-interactive SSH
// session. Callers depend only on the Backend interface and never learn
// which variant they hold.
//
// Backends do not retry. A failed command against a stateful host is
// reported to the caller, which owns any retry policy.
package hostexec
