// Sunfish is a Redfish fabric aggregation manager.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package redfish

import "strings"

// NormalizePath strips a trailing slash from a resource path. The service
// root itself ("/redfish/v1") is returned unchanged.
func NormalizePath(path string) string {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// ParentPath returns the path one segment above p, or "" when p has no
// parent.
func ParentPath(p string) string {
	p = NormalizePath(p)
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return ""
	}
	return p[:i]
}

// LastSegment returns the final path segment of p.
func LastSegment(p string) string {
	p = NormalizePath(p)
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// RelativeSegments splits path into the segments below root. ok is false when
// path does not live under root.
func RelativeSegments(root, path string) (segs []string, ok bool) {
	path = NormalizePath(path)
	if path == root {
		return nil, true
	}
	if !strings.HasPrefix(path, root+"/") {
		return nil, false
	}
	return strings.Split(strings.TrimPrefix(path, root+"/"), "/"), true
}

// Depth returns how many segments below root the path sits: 0 for the root
// itself, 1 for its direct children, and -1 for paths outside the root.
func Depth(root, path string) int {
	segs, ok := RelativeSegments(root, path)
	if !ok {
		return -1
	}
	return len(segs)
}
