// Package instructions turns print instructions into response payloads.
//
// Agents and the hub share one closed vocabulary of commands. The hub uses it
// to call agents; agents may also send the same instructions to the hub, which
// answers through a Dispatcher backed by a PrintService.
package instructions
