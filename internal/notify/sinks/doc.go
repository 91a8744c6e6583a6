// Package sinks contains notify.Sink implementations.
package sinks
