// Package protocol owns the panorama wire contract.
//
// Ownership boundary:
// - frame header primitives (frame)
// - payload assembly and decompression (assembly)
// - profile capability flags and request/response body layout
// - error classification shared by every failure site
package protocol
