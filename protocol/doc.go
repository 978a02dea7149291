/*
Package protocol defines the envelopes exchanged between the supervising process and the worker process that writes an image.

Every message on the channel is one Envelope. An Envelope carries a Kind and exactly one payload matching that Kind:

  - handshake: sent once by the worker, first, identifying the channel it was spawned for
  - log: a human-readable line from the worker
  - progress: a ProgressState tick from the task
  - done: the terminal success Result
  - error: the terminal TaskError

Exactly one of done or error is sent per session and it is always the last envelope before the worker closes the channel.

The wire form is versioned JSON. Decoding is strict: an unknown kind, an unsupported version, an unknown field or a payload that does not match its kind is a *Error, never a silently dropped message.
*/
package protocol
