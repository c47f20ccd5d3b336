//go:build windows

package destruct

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/windows"
)

type windowsRemover struct{}

// PlatformRemover renames the file aside and deletes it, scheduling the
// delete for the next reboot when the image is still mapped.
func PlatformRemover() Remover { return windowsRemover{} }

func (windowsRemover) Remove(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	old := path + ".old"
	_ = os.Remove(old)
	if err := os.Rename(path, old); err != nil {
		return fmt.Errorf("rename aside: %w", err)
	}

	if err := os.Remove(old); err == nil {
		return nil
	}

	from, err := windows.UTF16PtrFromString(old)
	if err != nil {
		return err
	}
	if err := windows.MoveFileEx(from, nil, windows.MOVEFILE_DELAY_UNTIL_REBOOT); err != nil {
		return fmt.Errorf("schedule delete at reboot: %w", err)
	}
	return nil
}
