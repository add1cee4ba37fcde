//go:build afiyahdebug

package assert

const enabled = true
