package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user holds the configured
// control role before executing voice commands.
type PermissionChecker struct {
	controlRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given role ID.
func NewPermissionChecker(controlRoleID string) *PermissionChecker {
	return &PermissionChecker{controlRoleID: controlRoleID}
}

// Allowed checks whether the interaction author holds the control role.
// If no control role is configured, all users are allowed. Returns false if
// the interaction has no Member (e.g., DM channel interactions).
func (p *PermissionChecker) Allowed(i *discordgo.InteractionCreate) bool {
	if p.controlRoleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, p.controlRoleID)
}
