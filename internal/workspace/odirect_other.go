//go:build !linux

package workspace

// oDirectFlag is unused on non-Linux platforms; Open rejects DirectIO
// mode there before this constant would matter.
const oDirectFlag = 0
