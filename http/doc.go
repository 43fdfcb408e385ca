// Package http exposes the broker over a JSON API. Upload planning, token
// issuance and the redirecting download endpoint live here, together with
// the identity middleware and the error-to-status mapping.
package http
