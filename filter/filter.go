// Copyright (C) 2020 Storj Labs, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filter selects packages by architecture and keeps the newest version
// of each.
package filter

import (
	"runtime"

	"storj.io/apt-mirror/debversion"
	"storj.io/apt-mirror/index"
)

// Mode controls version deduplication.
type Mode int

const (
	// Latest keeps only the greatest version per (name, architecture).
	Latest Mode = iota
	// AllVersions keeps every distinct version.
	AllVersions
)

// String returns a human readable name for the mode.
func (m Mode) String() string {
	if m == AllVersions {
		return "all-versions"
	}
	return "latest"
}

// goarchToDebian maps GOARCH values to Debian architecture names where they
// differ.
var goarchToDebian = map[string]string{
	"386":      "i386",
	"arm":      "armhf",
	"ppc64le":  "ppc64el",
	"mips64le": "mips64el",
	"mipsle":   "mipsel",
}

// HostArchitecture returns the Debian name of the architecture this binary runs on.
func HostArchitecture() string {
	if arch, ok := goarchToDebian[runtime.GOARCH]; ok {
		return arch
	}
	return runtime.GOARCH
}

// DefaultArchitectures returns the host architecture and "all".
func DefaultArchitectures() []string {
	return []string{HostArchitecture(), "all"}
}

// Filter drops packages whose architecture is not in archs (DefaultArchitectures
// when archs is empty) and then deduplicates according to mode. Output order
// follows the first appearance of each surviving key in the input. When two
// packages carry equal versions, the first one encountered is kept.
func Filter(pkgs []*index.Package, archs []string, mode Mode) []*index.Package {
	if len(archs) == 0 {
		archs = DefaultArchitectures()
	}
	wanted := make(map[string]bool, len(archs))
	for _, arch := range archs {
		wanted[arch] = true
	}

	keyOf := (*index.Package).Key
	if mode == AllVersions {
		keyOf = (*index.Package).VersionedKey
	}

	slots := make(map[index.Key]int)
	var out []*index.Package
	for _, pkg := range pkgs {
		if !wanted[pkg.Architecture] {
			continue
		}
		key := keyOf(pkg)
		i, seen := slots[key]
		if !seen {
			slots[key] = len(out)
			out = append(out, pkg)
			continue
		}
		if debversion.Compare(pkg.Version, out[i].Version) > 0 {
			out[i] = pkg
		}
	}
	return out
}
