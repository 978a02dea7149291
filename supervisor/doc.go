/*
Package supervisor owns the lifecycle of a worker process: spawning it, waiting for it to connect back over its channel, terminating it and collecting its exit code.

A Handle moves through the states

	Spawned -> Connected -> Running -> Completed | Failed

and can be moved to Killed from any non-final state. Final states never change. The supervisor never restarts a worker: a failed connection or a lost channel ends the session.

Workers are started in their own process group so that terminating a worker also terminates anything it started.
*/
package supervisor
