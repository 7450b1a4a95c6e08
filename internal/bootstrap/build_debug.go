//go:build patchkitdebug

package bootstrap

// debugBuild suppresses self-update execution in development builds
const debugBuild = true
