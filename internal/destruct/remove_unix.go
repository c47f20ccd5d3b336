//go:build unix

package destruct

import (
	"errors"

	"golang.org/x/sys/unix"
)

type unlinkRemover struct{}

// PlatformRemover unlinks the file. A running executable can be unlinked on
// Unix; the inode lives until the process exits.
func PlatformRemover() Remover { return unlinkRemover{} }

func (unlinkRemover) Remove(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}
