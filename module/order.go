package module

import "strings"

// order returns the registered modules sorted so that each module follows
// the registered modules it depends on. Ties keep registration order.
// Dependencies on unregistered or pruned modules are ignored. If there is a cycle, the
// remaining modules keep registration order. The lock must be held.
func (m *Manager) order() []*Handle {
	placed := make(map[*Handle]bool, len(m.handles))
	res := make([]*Handle, 0, len(m.handles))

	deps := make(map[*Handle][]*Handle, len(m.handles))
	for _, h := range m.handles {
		for _, dep := range h.m.Dependencies() {
			d, ok := m.index[strings.ToLower(dep)]
			switch {
			case !ok:
				if p := m.prunedByName(dep); p != nil {
					m.log.Warnf("The patch \"%s\" depends on patch \"%s\" which is %s", h.Name(), p.Name(), p.State())
					continue
				}
				m.log.Warnf("The patch \"%s\" depends on unknown patch \"%s\"", h.Name(), dep)
			case d == h:
				m.log.Warnf("The patch \"%s\" depends on itself", h.Name())
			default:
				deps[h] = append(deps[h], d)
			}
		}
	}

	for len(res) < len(m.handles) {
		progress := false
		for _, h := range m.handles {
			if placed[h] {
				continue
			}
			ready := true
			for _, d := range deps[h] {
				if !placed[d] {
					ready = false
					break
				}
			}
			if ready {
				placed[h] = true
				res = append(res, h)
				progress = true
				break
			}
		}
		if !progress {
			var cyc []string
			for _, h := range m.handles {
				if !placed[h] {
					cyc = append(cyc, h.Name())
					res = append(res, h)
				}
			}
			m.log.Errorf("Dependency cycle between patches %s, using registration order", strings.Join(cyc, ", "))
			break
		}
	}
	return res
}

// prunedByName returns the pruned handle named name, if any. The lock must be
// held.
func (m *Manager) prunedByName(name string) *Handle {
	for _, h := range m.pruned {
		if strings.EqualFold(h.Name(), name) {
			return h
		}
	}
	return nil
}
