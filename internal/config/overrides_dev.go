//go:build dev

package config

// SecurityOverridesAllowed lets the runtime config and environment change
// the security keys in development builds
const SecurityOverridesAllowed = true
