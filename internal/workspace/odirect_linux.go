//go:build linux

package workspace

import "golang.org/x/sys/unix"

// oDirectFlag is O_DIRECT on Linux, the only platform x/sys/unix exposes
// it on; DirectIO mode is rejected at Open time on every other platform.
const oDirectFlag = unix.O_DIRECT
