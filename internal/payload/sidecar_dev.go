//go:build dev

package payload

// sidecarAllowed enables the <exe>.config override in development builds
const sidecarAllowed = true
