//go:build windows

package rendezvous

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapStore creates or opens the named file mapping for name and maps a
// view of it. created reports whether this process created the mapping
// (and therefore becomes the server); CreateFileMapping signals a join
// through ERROR_ALREADY_EXISTS while still returning a valid handle.
func mapStore(name string) (*storeHeader, bool, func() error, error) {
	namep, err := windows.UTF16PtrFromString(`Local\excomm_` + name)
	if err != nil {
		return nil, false, nil, fmt.Errorf("mapping name: %w", err)
	}

	handle, err := windows.CreateFileMapping(windows.InvalidHandle, nil,
		windows.PAGE_READWRITE, 0, StoreSize, namep)
	created := true
	if err == windows.ERROR_ALREADY_EXISTS {
		created = false
	} else if err != nil {
		return nil, false, nil, fmt.Errorf("create file mapping: %w", err)
	}

	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_WRITE|windows.FILE_MAP_READ, 0, 0, StoreSize)
	if err != nil {
		windows.CloseHandle(handle)
		return nil, false, nil, fmt.Errorf("map view of file: %w", err)
	}

	release := func() error {
		var firstErr error
		if err := windows.UnmapViewOfFile(addr); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmap view: %w", err)
		}
		if err := windows.CloseHandle(handle); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return (*storeHeader)(unsafe.Pointer(addr)), created, release, nil
}

// Remove is a no-op on Windows; a named mapping disappears with its last
// open handle.
func Remove(name string) error {
	return nil
}
