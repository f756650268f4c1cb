// Package canon provides the deterministic JSON representation used for
// content-addressed identity of exchange records.
//
// Value is a sealed, structural JSON type (null, string, number, bool,
// array, object). MarshalCanonical produces the canonical byte form:
// object keys NFC-normalized and sorted by UTF-8 byte order, arrays in
// order, no insignificant whitespace, fixed number and literal rendering.
// Hash is the lowercase-hex SHA-256 of that form.
//
// Canonical bytes are the interop contract of the interchange engine:
// they must be bit-for-bit identical across independent implementations.
package canon
