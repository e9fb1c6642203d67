// Package bledev provides the platform-specific BLE central device used by
// both the transport source and the scanner.
package bledev
