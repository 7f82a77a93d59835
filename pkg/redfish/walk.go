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

// frame tracks a container during the reference walk. underOem marks maps
// reached through an "Oem" key so their Sunfish_RM subtree can be pruned:
// the ownership stamp's ManagingAgent reference must never be treated as a
// cross-resource link.
type frame struct {
	node     any
	underOem bool
}

// VisitRefs calls visit for every nested "@odata.id" string value in root,
// including the top-level one, skipping anything under Oem.Sunfish_RM.
func VisitRefs(root any, visit func(ref string)) {
	RewriteRefs(root, func(ref string) (string, bool) {
		visit(ref)
		return "", false
	})
}

// RewriteRefs walks root like VisitRefs but lets the callback replace each
// reference in place: returning (newRef, true) rewrites the value. It reports
// whether any reference was rewritten.
func RewriteRefs(root any, rewrite func(ref string) (string, bool)) bool {
	return rewriteFrames([]frame{{node: root}}, rewrite)
}

// RewriteChildRefs rewrites nested references but leaves the object's own
// top-level "@odata.id" untouched. Used when redirecting links inside a
// resource without renaming the resource itself.
func RewriteChildRefs(r Resource, rewrite func(ref string) (string, bool)) bool {
	var stack []frame
	for k, v := range r {
		if k == "@odata.id" {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			stack = append(stack, frame{node: v, underOem: k == "Oem"})
		}
	}
	return rewriteFrames(stack, rewrite)
}

func rewriteFrames(stack []frame, rewrite func(ref string) (string, bool)) bool {
	changed := false
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch n := f.node.(type) {
		case Resource:
			stack = append(stack, frame{node: map[string]any(n), underOem: f.underOem})
		case map[string]any:
			for k, v := range n {
				if f.underOem && k == OemStampKey {
					continue
				}
				if k == "@odata.id" {
					if s, ok := v.(string); ok {
						if repl, ok := rewrite(s); ok {
							n[k] = repl
							changed = true
						}
					}
					continue
				}
				switch v.(type) {
				case map[string]any, []any:
					stack = append(stack, frame{node: v, underOem: k == "Oem"})
				}
			}
		case []any:
			for _, v := range n {
				switch v.(type) {
				case map[string]any, []any:
					stack = append(stack, frame{node: v, underOem: f.underOem})
				}
			}
		}
	}
	return changed
}
