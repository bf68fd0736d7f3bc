package bot

import (
	rt "lmsbot/pkg/richtext"
)

func (r *Router) helpText(owner bool) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lines := make([]rt.H, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := rt.Code(usage)
		if c.Description != "" {
			line = rt.Join(" - ", line, rt.Esc(c.Description))
		}
		lines = append(lines, line)
	}
	return rt.Join("\n\n", rt.B("Commands"), rt.Lines(lines...)).String()
}
