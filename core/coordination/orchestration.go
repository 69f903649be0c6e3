package coordination

import (
	"fmt"

	"github.com/cordum/agentlock/core/infra/locks"
)

// firstLockedFile returns the first path in requested order that has an
// entry in lockMap, preserving the caller's ordering rather than map
// iteration order (which Go does not guarantee).
func firstLockedFile(requested []string, lockMap map[string]locks.LockEntry) (string, locks.LockEntry, bool) {
	for _, path := range requested {
		if entry, ok := lockMap[path]; ok {
			return path, entry, true
		}
	}
	return "", locks.LockEntry{}, false
}

func pullOrchestration(remoteHead string) Orchestration {
	return Orchestration{
		Action:  ActionPull,
		Command: "git pull --rebase",
		Reason:  fmt.Sprintf("Your local repo is behind. Current HEAD: %s", remoteHead),
	}
}

func switchTaskOrchestration(path string, entry locks.LockEntry, kind LockKind) Orchestration {
	return Orchestration{
		Action: ActionSwitchTask,
		Reason: fmt.Sprintf("%s is locked by %s (%s)", path, entry.UserName, kind),
		Metadata: map[string]any{
			"file":      path,
			"user_id":   entry.UserID,
			"user_name": entry.UserName,
			"kind":      string(kind),
		},
	}
}

func conflictSwitchTaskOrchestration(file, user string) Orchestration {
	return Orchestration{
		Action: ActionSwitchTask,
		Reason: fmt.Sprintf("%s is locked by %s", file, user),
		Metadata: map[string]any{
			"file":      file,
			"user_id":   user,
			"kind":      string(LockKindDirect),
		},
	}
}

func proceedOrchestration() Orchestration {
	return Orchestration{Action: ActionProceed}
}

func pushRefuseOrchestration() Orchestration {
	return Orchestration{
		Action:  ActionPush,
		Command: "git push",
		Reason:  "local head already matches the asserted new remote head; push before releasing",
	}
}

func staleWritingOrchestration(remoteHead, agentHead string) Orchestration {
	return Orchestration{
		Action:  ActionPull,
		Command: "git pull --rebase",
		Reason:  fmt.Sprintf("Your local repo is behind. Current HEAD: %s", remoteHead),
		Metadata: map[string]any{
			"remote_head": remoteHead,
			"your_head":   agentHead,
		},
	}
}
