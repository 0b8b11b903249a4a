// Copyright 2025 Tom Barlow
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

package workspace

import (
	"path/filepath"
	"strings"

	writeiterrors "github.com/nibzard/writeit/pkg/errors"
)

// ResolvePath joins rel onto the workspace root and proves the result is
// a descendant of the root after canonicalization. Any path that would
// escape the workspace root fails with IsolationError.
func ResolvePath(w *Workspace, rel string) (string, error) {
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", &writeiterrors.IsolationError{Workspace: w.Name, Path: rel, Reason: err.Error()}
	}
	root = filepath.Clean(root)

	joined := filepath.Join(root, rel)
	joined = filepath.Clean(joined)

	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", &writeiterrors.IsolationError{
			Workspace: w.Name,
			Path:      rel,
			Reason:    "resolved path escapes workspace root",
		}
	}

	return joined, nil
}
