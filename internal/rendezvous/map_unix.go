//go:build unix

package rendezvous

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"
)

// mapStore creates or opens the file-backed store for name and maps it.
// created reports whether this process created the store (and therefore
// becomes the server). The release function unmaps and, for the creator,
// removes the backing file.
func mapStore(name string) (*storeHeader, bool, func() error, error) {
	path := storePath(name)

	created := true
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if os.IsExist(err) {
		created = false
		file, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, false, nil, fmt.Errorf("open store file %s: %w", path, err)
	}

	if created {
		if err := file.Truncate(StoreSize); err != nil {
			file.Close()
			os.Remove(path)
			return nil, false, nil, fmt.Errorf("resize store file: %w", err)
		}
	} else {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, false, nil, fmt.Errorf("stat store file: %w", err)
		}
		if info.Size() < StoreSize {
			file.Close()
			return nil, false, nil, fmt.Errorf("store file too small: %d bytes", info.Size())
		}
	}

	mem, err := syscall.Mmap(int(file.Fd()), 0, StoreSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		file.Close()
		if created {
			os.Remove(path)
		}
		return nil, false, nil, fmt.Errorf("mmap store: %w", err)
	}

	release := func() error {
		var firstErr error
		if err := syscall.Munmap(mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap store: %w", err)
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if created {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	return (*storeHeader)(unsafe.Pointer(&mem[0])), created, release, nil
}

// Remove deletes a stale store object left behind by a crashed session.
func Remove(name string) error {
	err := os.Remove(storePath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// storePath returns the backing file path for a store name, preferring
// /dev/shm when available.
func storePath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "excomm_"+name)
	}
	return filepath.Join(os.TempDir(), "excomm_"+name)
}
