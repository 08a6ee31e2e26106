//go:build !unix

package lifecycle

import "os"

// probeLock relies on the platform refusing to share a file its writer opened exclusively
func probeLock(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
