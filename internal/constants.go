// Copyright 2023 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"runtime"
	"strings"
)

const (
	// ArchAmd64 is a platform architecture a.k.a. "x86_64"
	ArchAmd64 = "amd64"
	// ArchArm64 is a platform architecture a.k.a. "aarch64"
	ArchArm64 = "arm64"
	// OSLinux is the only platform OS layers are compared for.
	OSLinux = "linux"
)

// HostArch maps the runtime architecture to the manifest architecture used
// when a reference doesn't pin one.
func HostArch() string {
	return NormalizeArch(runtime.GOARCH)
}

// NormalizeArch maps "aarch64" and "arm" spellings to ArchArm64 and
// everything else to ArchAmd64.
func NormalizeArch(arch string) string {
	if strings.Contains(arch, "arm") || strings.Contains(arch, "aarch64") {
		return ArchArm64
	}
	return ArchAmd64
}
