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

package common

import (
	"io"
	"net/url"
	"strings"

	"github.com/zeebo/errs"
)

// Version is the version number of apt-mirror.
const Version = "0.1.0"

// UserAgent is sent with every request to an upstream mirror. Some mirrors refuse
// clients that do not look like apt.
const UserAgent = "Debian APT-HTTP/1.3 (apt-mirror " + Version + ")"

// Kind is the artifact kind requested by a source entry.
type Kind int

const (
	// KindBinary selects Packages indexes and binary packages (a "deb" line).
	KindBinary Kind = iota
	// KindSource selects Sources indexes and source packages (a "deb-src" line).
	KindSource
)

// String returns the sources.list keyword for the kind.
func (k Kind) String() string {
	if k == KindSource {
		return "deb-src"
	}
	return "deb"
}

// SourceEntry describes one repository source: a mirror, a distribution, and the
// components and architectures wanted from it. It is produced by the sources loader
// and not modified afterward.
type SourceEntry struct {
	// URL is the mirror base URL, e.g. http://deb.debian.org/debian.
	URL string
	// Distribution is the suite or codename, e.g. bookworm or jammy-updates.
	Distribution string
	// Components lists component names in the order given, e.g. main, contrib.
	Components []string
	// Architectures lists requested architectures. An empty list means the
	// caller's default selection applies.
	Architectures []string
	// Kind selects binary or source indexes.
	Kind Kind
}

// String renders the entry in sources.list form.
func (e SourceEntry) String() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if len(e.Architectures) > 0 {
		b.WriteString(" [arch=")
		b.WriteString(strings.Join(e.Architectures, ","))
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(e.URL)
	b.WriteString(" ")
	b.WriteString(e.Distribution)
	for _, c := range e.Components {
		b.WriteString(" ")
		b.WriteString(c)
	}
	return b.String()
}

// JoinURL joins a mirror base URL and a path relative to the mirror root.
func JoinURL(base, relPath string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(relPath, "/")
}

// ValidateURL checks that base is an absolute http or https URL.
func ValidateURL(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errs.New("unsupported mirror URL scheme %q in %q", u.Scheme, base)
	}
	if u.Host == "" {
		return errs.New("mirror URL %q has no host", base)
	}
	return nil
}

// DeferClose closes c and combines any close error into *err. It is meant to be
// used in a defer statement in functions with a named error return.
func DeferClose(c io.Closer, err *error) {
	*err = errs.Combine(*err, c.Close())
}
