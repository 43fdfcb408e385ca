// Package cellstore provides the in-memory implementation of the keyed
// durable cell store. It is the default backend for development and tests;
// production deployments use the sqlite or postgres repositories instead.
package cellstore
