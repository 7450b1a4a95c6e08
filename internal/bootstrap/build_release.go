//go:build !patchkitdebug

package bootstrap

const debugBuild = false
