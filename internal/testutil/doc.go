// Package testutil contains fakes shared by tests across packages: a
// scriptable server adapter and tools that record their invocations. They are
// not intended for production usage.
package testutil
