// Package xmlgate is a local web front end that hands submitted XML to an
// external processor executable and returns the binary artifact it writes.
package xmlgate

// Version is the xmlgate release version.
const Version = "0.3.0"
