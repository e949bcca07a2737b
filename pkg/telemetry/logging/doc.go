// Package logging configures structured logging for Custodian.
//
// New wraps a log/slog JSON or text handler with a Handler that redacts
// attribute values and appends request-scoped fields (request id,
// operation, trace and span ids) from the context. Setup installs the
// result as the slog default, so component loggers created with
// slog.Default().With("component", ...) inherit it.
//
// # Redaction
//
// When redaction is enabled, string attributes are scrubbed of:
//
//   - email addresses
//   - bearer tokens and confirmation-link tokens
//   - IPv4 and IPv6 addresses (IPv4 keeps the first octet)
//   - phone numbers
//   - password assignments
//
// Attributes whose key names a secret or a personal field (token, email,
// phone, address, ...) are masked whole. Error values are rendered and
// scrubbed as strings.
package logging
