package domain

import "strings"

// PointsPerLevel is the number of total points between two levels.
const PointsPerLevel = 100

// SubscriptionTier is one of the closed set of plans a user can be on.
type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierBasic   SubscriptionTier = "basic"
	TierPremium SubscriptionTier = "premium"
	TierMega    SubscriptionTier = "mega"
)

var tierRanks = map[SubscriptionTier]int{
	TierFree:    0,
	TierBasic:   1,
	TierPremium: 2,
	TierMega:    3,
}

// ParseTier maps a raw tag onto a known tier. Unknown tags report false.
func ParseTier(raw string) (SubscriptionTier, bool) {
	tier := SubscriptionTier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := tierRanks[tier]; !ok {
		return TierFree, false
	}
	return tier, true
}

// AtLeast reports whether t grants everything other grants.
func (t SubscriptionTier) AtLeast(other SubscriptionTier) bool {
	return tierRanks[t] >= tierRanks[other]
}

// LevelFor derives the level from accumulated points.
func LevelFor(totalPoints int) int {
	if totalPoints < 0 {
		totalPoints = 0
	}
	return totalPoints/PointsPerLevel + 1
}

// UserIdentity is the single authoritative user record of an application session.
type UserIdentity struct {
	ID               int64            `json:"id"`
	Username         string           `json:"username,omitempty"`
	FirstName        string           `json:"first_name,omitempty"`
	LastName         string           `json:"last_name,omitempty"`
	PhotoURL         string           `json:"photo_url,omitempty"`
	IsPremium        bool             `json:"is_premium"`
	CurrentPoints    int              `json:"current_points"`
	TotalPoints      int              `json:"total_points"`
	Level            int              `json:"level"`
	SubscriptionType SubscriptionTier `json:"subscription_type"`
	Tokens           int              `json:"tokens"`
}

// Normalize recomputes derived fields. Level is never trusted from input.
func (u *UserIdentity) Normalize() {
	u.Level = LevelFor(u.TotalPoints)
	tier, _ := ParseTier(string(u.SubscriptionType))
	u.SubscriptionType = tier
}

// DisplayName prefers the first/last name pair, then the handle.
func (u UserIdentity) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return u.Username
}

// HostUser is the profile hint the host platform hands to the mini app.
type HostUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	PhotoURL  string `json:"photo_url,omitempty"`
	IsPremium bool   `json:"is_premium,omitempty"`
}

// AuthResult is the remote authentication endpoint's success body.
type AuthResult struct {
	Token     string       `json:"token"`
	User      UserIdentity `json:"user"`
	IsNewUser bool         `json:"is_new_user"`
}
