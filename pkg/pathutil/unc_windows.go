/*
Copyright 2025 The Manga-ULM Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pathutil

import (
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/CaoBiang/Manga-ULM/pkg/lru"
)

// WNetGetUniversalNameW rejects a NULL probe buffer, so we start with a
// common size and grow once on ERROR_MORE_DATA.
const uncBufStart = 1024

const universalNameInfoLevel = 0x00000001

var (
	mprDLL                   = windows.NewLazySystemDLL("mpr.dll")
	procGetUniversalName     = mprDLL.NewProc("WNetGetUniversalNameW")
	uncCache                 = lru.New[string](256)
	errorMoreData  uintptr   = 234
)

// resolveUNC maps a drive-letter path (V:\...) to its network form
// (\\host\share\...). The OS lookup result is cached per input path.
func resolveUNC(p string) (string, bool) {
	if len(p) < 2 || p[1] != ':' {
		return "", false
	}
	if v, ok := uncCache.Get(p); ok {
		return v, v != ""
	}
	unc := lookupUNC(p)
	uncCache.Add(p, unc)
	return unc, unc != ""
}

func lookupUNC(p string) string {
	in, err := windows.UTF16PtrFromString(p)
	if err != nil {
		return ""
	}
	size := uint32(uncBufStart)
	buf := make([]byte, size)
	r, _, _ := procGetUniversalName.Call(
		uintptr(unsafe.Pointer(in)),
		uintptr(universalNameInfoLevel),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&size)),
	)
	if r == errorMoreData && size > 0 {
		buf = make([]byte, size)
		r, _, _ = procGetUniversalName.Call(
			uintptr(unsafe.Pointer(in)),
			uintptr(universalNameInfoLevel),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&size)),
		)
	}
	if r != 0 {
		return ""
	}
	// The buffer begins with a UNIVERSAL_NAME_INFO struct whose single
	// field points at the name stored later in the same buffer.
	namePtr := *(**uint16)(unsafe.Pointer(&buf[0]))
	if namePtr == nil {
		return ""
	}
	return filepath.Clean(windows.UTF16PtrToString(namePtr))
}
