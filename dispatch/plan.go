package dispatch

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/speaker"
)

// PlanWaves layers commands so that every command of wave k depends only on
// commands of earlier waves. Commands keep their input order inside a wave.
func PlanWaves(cmds []speaker.Command) ([][]speaker.Command, error) {
	index := make(map[uuid.UUID]int, len(cmds))
	for i, cmd := range cmds {
		if _, dup := index[cmd.ID]; dup {
			return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateCommandID, cmd.ID)
		}
		index[cmd.ID] = i
	}

	indegree := make([]int, len(cmds))
	dependents := make([][]int, len(cmds))
	for i, cmd := range cmds {
		seen := make(map[uuid.UUID]bool, len(cmd.DependsOn))
		for _, dep := range cmd.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", errors.ErrUnresolvedDependency, cmd.ID, dep)
			}
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	var ready []int
	for i := range cmds {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	var waves [][]speaker.Command
	placed := 0
	for len(ready) > 0 {
		wave := make([]speaker.Command, 0, len(ready))
		var next []int
		for _, i := range ready {
			wave = append(wave, cmds[i])
			for _, k := range dependents[i] {
				indegree[k]--
				if indegree[k] == 0 {
					next = append(next, k)
				}
			}
		}
		waves = append(waves, wave)
		placed += len(wave)

		sort.Ints(next)
		ready = next
	}

	if placed != len(cmds) {
		for i := range cmds {
			if indegree[i] > 0 {
				return nil, fmt.Errorf("%w: involving command %s", errors.ErrCyclicDependency, cmds[i].ID)
			}
		}
	}
	return waves, nil
}
