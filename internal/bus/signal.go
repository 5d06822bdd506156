// SPDX-License-Identifier: MIT

package bus

// Signal is one of the three fire-and-forget bus signals
// (InstanceStatusChanged, HdmiSignalChanged, PassthroughStateChanged).
// Payload is whatever record type produced the signal; the façade does not
// encode it, leaving wire formatting to the transport binding.
type Signal struct {
	Name    string
	Payload any
}

// SignalSink receives every signal the façade or its collaborators emit.
// Subscribers see no ordering guarantee across unrelated signals, but a
// single signal name's edges are never reordered (SPEC_FULL.md §4.5).
type SignalSink func(Signal)
