// Package bootstrap seeds and reads the workspace markdown files whose
// concatenation forms the system prompt scaffolding.
package bootstrap

// Workspace file names.
const (
	AgentsFile    = "AGENTS.md" // required; absence is fatal for a turn
	SoulFile      = "SOUL.md"
	IdentityFile  = "IDENTITY.md"
	RulesFile     = "ASSISTANT_RULES.md"
	UserFile      = "USER.md"
	ToolsFile     = "TOOLS.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md" // optional override of the file list below
)

// DefaultList is the optional bootstrap files loaded after AGENTS.md when
// BOOTSTRAP.md does not override the list.
var DefaultList = []string{
	SoulFile,
	IdentityFile,
	RulesFile,
	UserFile,
	ToolsFile,
	HeartbeatFile,
}
