//go:build !unix

package storage

import "os"

// No cross-process lock outside unix: only one process may open a file
// store directory at a time there.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
