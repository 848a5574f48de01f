// Package wire defines the on-the-wire representation of messages
// exchanged between groupd instances: the fixed header described in
// spec.md §6, the message-type and status enumerations, and the
// deterministic barrier-name builders used by internal/barrier.
//
// Every message is a 22-byte header followed by Length bytes of
// type-specific payload. The header is encoded big-endian
// ("network byte order") and is bit-exact across daemon versions;
// changing its layout is a wire-compatibility break.
package wire
