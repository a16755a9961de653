package models

import "strings"

// Profile field names read by the session layer.
const (
	ProfileFieldAvatar = "avatar"
	ProfileFieldEmail  = "email"
	ProfileFieldRole   = "role"
)

// UserProfile is the authenticated identity as returned by the portal API.
// Fields other than avatar are opaque to the session layer.
type UserProfile map[string]any

// Clone returns a shallow copy of the profile.
func (profile UserProfile) Clone() UserProfile {
	if profile == nil {
		return nil
	}
	cloned := make(UserProfile, len(profile))
	for key, value := range profile {
		cloned[key] = value
	}
	return cloned
}

// Avatar returns the avatar URL, or "" when absent or not a string.
func (profile UserProfile) Avatar() string {
	if profile == nil {
		return ""
	}
	avatar, _ := profile[ProfileFieldAvatar].(string)
	return strings.TrimSpace(avatar)
}

// Email returns the email field when present.
func (profile UserProfile) Email() string {
	if profile == nil {
		return ""
	}
	email, _ := profile[ProfileFieldEmail].(string)
	return email
}

// Merge returns a copy of profile with every key of partial applied on top.
func (profile UserProfile) Merge(partial UserProfile) UserProfile {
	merged := profile.Clone()
	if merged == nil {
		merged = make(UserProfile, len(partial))
	}
	for key, value := range partial {
		merged[key] = value
	}
	return merged
}

// ProfileEnvelope is the persisted shape of the "userProfile" key.
type ProfileEnvelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    UserProfile `json:"data"`
}
