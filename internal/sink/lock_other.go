//go:build !unix

package sink

import "os"

// Advisory locking is only available on unix; appends stay single-write.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
