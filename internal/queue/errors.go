package queue

import "errors"

// ErrNoSuchDevice is returned when GetOrCreateWorker is asked for a
// device_id the Enumerator does not currently report as attached.
var ErrNoSuchDevice = errors.New("queue: no such device")
