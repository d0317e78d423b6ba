// Package conduit is a minimal client for the Phabricator Conduit API.
//
// Conduit methods are invoked with an HTTP POST of form-encoded parameters to
// {apiURL}/{method}. Every request carries the api.token field, and structured
// parameters such as search constraints are flattened into PHP-style bracketed
// field names (constraints[ids][0]=27870). Responses share a single envelope:
//
//	{"result": {...}, "error_code": null, "error_info": null}
//
// The client performs exactly one request per call. It never retries, caches, or
// logs; failures are returned to the caller as one of the typed errors in this
// package (ConfigError, TransportError, APIError, DecodeError,
// MalformedRecordError) and can be inspected with errors.As.
package conduit
