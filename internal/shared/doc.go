// Package shared groups helpers that are not owned by a single supervisor
// component.
//
// # Structure
//
//   - testutil: a capturing slog handler, log assertions and license fixtures
//     used by the package tests
//
// Nothing here is imported by production code.
package shared
