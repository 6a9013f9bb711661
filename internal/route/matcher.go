package route

import (
	"github.com/raullenchai/moperator/pkg/models"
)

// Match pairs an agent with the label that routed an email to it.
type Match struct {
	Agent        models.Agent
	MatchedLabel string
}

// MatchAgents selects the active agents subscribed to any of the email's
// labels. Iteration is label-major: for each label in the order given, agents
// are scanned in registry order, and an agent already matched under an
// earlier label is not matched again. An agent's MatchedLabel is therefore
// the first of the email's labels it subscribes to.
func MatchAgents(labels []string, agents []models.Agent) []Match {
	seen := make(map[string]bool, len(agents))
	var matches []Match
	for _, label := range labels {
		for i := range agents {
			agent := agents[i]
			if !agent.Active || seen[agent.ID] || !agent.SubscribesTo(label) {
				continue
			}
			seen[agent.ID] = true
			matches = append(matches, Match{Agent: agent, MatchedLabel: label})
		}
	}
	return matches
}
