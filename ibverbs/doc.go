// Package ibverbs implements the verbs provider on top of libibverbs (rdma-core).
//
// The provider is compiled only with cgo on Linux and the ibverbs build tag:
//
//	go build -tags ibverbs ./...
//
// Building requires the rdma-core development headers and pkg-config metadata
// for libibverbs. Without the tag the package is empty and callers fall back to
// the loopback provider.
//
// Registered host buffers are pinned for the lifetime of their registration so
// the adapter can access them while the Go runtime keeps running. Masked
// atomics and erasure coding offloads are vendor extensions and are reported as
// unsupported.
package ibverbs
