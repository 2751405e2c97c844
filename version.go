// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lowbit

import "runtime/debug"

const root = "github.com/LynnColeArt/lowbit"

// Version returns the module version lowbit was built at, or "(devel)"
// when the binary carries no module version for it.
func Version() string {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	m := &b.Main
	if m.Path != root {
		m = nil
		for _, d := range b.Deps {
			if d.Path == root {
				m = d
				break
			}
		}
	}
	switch {
	case m == nil || m.Version == "":
		return "(devel)"
	case m.Replace != nil && m.Replace.Version != "":
		return m.Replace.Version
	}
	return m.Version
}
