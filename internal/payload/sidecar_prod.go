//go:build !dev

package payload

// sidecarAllowed is false in production builds; the side-car is never read
const sidecarAllowed = false
