// Package backend defines the uniform storage contract every tier backend
// must satisfy in full.
//
// A Backend adapts one storage technology (an in-process map, a file-backed
// relational store, a remote key-value store, or an embedded vector store)
// to a common CRUD, search, and batch interface. Optional capabilities such
// as vector similarity search are declared through an explicit Capabilities
// value rather than probed at runtime.
//
// All operations are independently retryable and none assume cross-backend
// transactions. Errors crossing the backend boundary are wrapped in *Error
// with an operation name and a kind, so callers can classify failures with
// errors.Is against the package sentinels.
package backend
