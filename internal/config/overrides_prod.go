//go:build !dev

package config

// SecurityOverridesAllowed is false in production builds; see Load
const SecurityOverridesAllowed = false
