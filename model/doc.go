// Package model defines the provider-agnostic contract between the turn loop
// and a language model.
//
// A Model streams Response chunks over a channel pair; Invoke drains them into
// a single assistant core.Message. Vendor adapters live in the openai,
// anthropic and gemini subpackages. MockModel and ScriptedModel are in-memory
// implementations for tests and examples.
package model
