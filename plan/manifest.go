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

package plan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/errs"
)

// WriteManifest writes one URL per line.
func WriteManifest(w io.Writer, urls []string) error {
	bw := bufio.NewWriter(w)
	for _, u := range urls {
		if _, err := bw.WriteString(u + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteManifestFile replaces filename with the manifest. Readers never see a
// partially written file.
func WriteManifestFile(filename string, urls []string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, os.Remove(tmp.Name()))
		}
	}()
	if err := WriteManifest(tmp, urls); err != nil {
		return errs.Combine(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// Print writes a human readable summary of the plan, listing every task.
func (p *Plan) Print(w io.Writer) error {
	maxWidth := len(strconv.Itoa(len(p.Tasks)))

	if _, err := fmt.Fprintf(w, "* Would download %d files (%d bytes) for %d packages:\n", len(p.Tasks), p.Bytes, len(p.Packages)); err != nil {
		return err
	}
	for i, t := range p.Tasks {
		if _, err := fmt.Fprintf(w, "D%0*d %s\n", maxWidth, i, t.URL); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "* %d packages unchanged since the previous run, %d files already present\n", p.Unchanged, p.Present); err != nil {
		return err
	}
	if len(p.Rejected) > 0 {
		if _, err := fmt.Fprintf(w, "* Rejected %d packages:\n", len(p.Rejected)); err != nil {
			return err
		}
		for i, rejected := range p.Rejected {
			if _, err := fmt.Fprintf(w, "R%0*d %v\n", maxWidth, i, rejected); err != nil {
				return err
			}
		}
	}
	return nil
}
