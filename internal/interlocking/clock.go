package interlocking

import "time"

// nowFunc is the clock the point-machine time-lock expiry comparison reads.
var nowFunc = time.Now

// VerifyAfterWriteDelay is the settling delay the Track-Circuit Branch waits between forcing
// a signal to RED and re-reading it to confirm the write took effect.
const VerifyAfterWriteDelay = 50 * time.Millisecond
