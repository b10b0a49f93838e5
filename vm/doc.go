// Package vm implements the Baranium runtime.
//
// This package contains:
//   - The stack CPU and its instruction set
//   - The function manager and callback registries
//   - Runtime module loading, storage cells and native extensions
//   - Memory-mapped file handles
//   - Disassembly and CBOR state snapshots
package vm
