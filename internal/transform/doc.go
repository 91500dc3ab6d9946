// Package transform holds the built-in transform kinds. Each kind registers
// its factory with the pipeline package from init, so importing this
// package for side effects makes the kinds available to graph files.
//
// Kinds that run outside the engine are reached through a Client; the
// remote_transform kind calls one per input row with a timeout and retries.
package transform
