package domain

// Role is a closed enum of agent roles. Gating behavior that used to be
// keyed on individual agent IDs is declared per role in the traits table.
type Role string

const (
	// RoleCoordinator is the always-active agent responsible for goal
	// setting, delegation, and conversation wrap-up. Exactly one per roster.
	RoleCoordinator Role = "coordinator"
	// RoleDeveloper produces code artifacts; implementation tasks are not
	// considered complete until a developer has delivered or declared done.
	RoleDeveloper Role = "developer"
	// RoleReviewer reviews work produced by other agents.
	RoleReviewer Role = "reviewer"
	// RoleGeneralist is a plain conversational participant.
	RoleGeneralist Role = "generalist"
	// RoleObserver stays inactive until explicitly mentioned or involved.
	RoleObserver Role = "observer"
)

// RoleTraits is declarative gating data attached to a role.
type RoleTraits struct {
	// RequiresInvitation agents sit out conversation start and activate only
	// on an explicit mention/involve.
	RequiresInvitation bool
	// CountsAsDeveloper marks the agent as able to satisfy the code-artifact
	// requirement of implementation-task goal completion.
	CountsAsDeveloper bool
	// RepeatLimit overrides the loop detector's repeat threshold for this
	// role. Zero means use the configured default.
	RepeatLimit int
}

var roleTraits = map[Role]RoleTraits{
	RoleCoordinator: {RepeatLimit: 2},
	RoleDeveloper:   {CountsAsDeveloper: true},
	RoleReviewer:    {},
	RoleGeneralist:  {},
	RoleObserver:    {RequiresInvitation: true},
}

// Traits returns the capability table entry for the role. Unknown roles get
// generalist traits.
func (r Role) Traits() RoleTraits {
	if t, ok := roleTraits[r]; ok {
		return t
	}
	return roleTraits[RoleGeneralist]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleTraits[r]
	return ok
}

// AgentProfile is the static definition of a persona, loaded from the roster.
type AgentProfile struct {
	ID           AgentID `yaml:"id" json:"id"`
	Name         string  `yaml:"name" json:"name"`
	Role         Role    `yaml:"role" json:"role"`
	Description  string  `yaml:"description" json:"description"`
	SystemPrompt string  `yaml:"systemPrompt" json:"systemPrompt"`
}

// IsCoordinator reports whether the profile carries the coordinator role.
func (p AgentProfile) IsCoordinator() bool { return p.Role == RoleCoordinator }
