// File: completion/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package completion implements a completion port.
//
// A Port owns a FIFO of completion packets drained by one worker per logical
// CPU. Packets are produced by readiness events from the reactor, by manual
// posts (DispatchManualCompletion) and by DispatchTask.
//
// Each logical owner gets a Context from Port.Create. A Context holds a fixed
// OperationPool and a lent reference count. When the count reaches zero the
// context runs its release hook and moves to the port graveyard, where it is
// disposed after the retention period once none of its operations are in
// flight. Completions for a released context are returned to its pool
// without invoking the completion routine.
package completion
