// Package types defines the shared data model of the coordination layer:
// query descriptors, engine metadata, the error taxonomy, and the closed
// event variants published by the managers.
//
// This package has no dependencies on the managers themselves and may be
// imported from anywhere in the module.
package types
