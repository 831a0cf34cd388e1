package arbiter

import (
	"fmt"
	"strings"
)

// SystemPrompt fixes the response format and the decision guidance.
const SystemPrompt = `You are a child-safety analyst reviewing which app a child has open on their phone.
Decide whether the current usage is suspicious given the context you are given.

Respond with a single JSON object and nothing else:
{"suspicious": true|false, "confidence": 0.0-1.0, "severity": "minor"|"critical", "reasoning": "<max 120 characters>", "trigger_action": "notify_child"|"notify_parent"|"lock_app"|"none"}

Guidance:
- critical: immediate danger. Adult content, dating, gambling, chatting with strangers, anonymous browsing.
- minor: concerning but not dangerous.
- Increase confidence when the child is younger than 13, when it is late at night (22:00-06:00), or when the session on a flagged app is longer than 10 minutes.
- Reserve lock_app for repeated critical flags.`

// BuildPrompt renders the evaluation context as the user message.
func BuildPrompt(c Context) string {
	age := "unknown"
	if c.ChildAge > 0 {
		age = fmt.Sprintf("%d", c.ChildAge)
	}
	name := c.AppName
	if name == "" {
		name = c.AppID
	}

	var b strings.Builder
	b.WriteString("Analyze this app usage on a child's phone:\n")
	fmt.Fprintf(&b, "- App name: %s\n", name)
	fmt.Fprintf(&b, "- Package: %s\n", c.AppID)
	fmt.Fprintf(&b, "- Category: %s\n", c.Category)
	fmt.Fprintf(&b, "- Known risk: %s\n", c.Description)
	fmt.Fprintf(&b, "- Time of day: %s\n", c.TimeOfDay)
	fmt.Fprintf(&b, "- Session length: %d minutes\n", c.SessionMinutes)
	fmt.Fprintf(&b, "- Child age: %s\n", age)
	fmt.Fprintf(&b, "- Prior flags today: %d (this app: %d)\n", c.PriorFlagsToday, c.PriorFlagsForApp)
	b.WriteString("Return only the JSON object.")
	return b.String()
}
