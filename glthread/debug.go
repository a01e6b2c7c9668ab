//go:build osbridge_debug

package glthread

const defaultForceContextRelease = true
