//go:build cuda
// +build cuda

package device

const cudaEnabled = true
