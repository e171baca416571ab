package enums

// Tier is the access level projected to the streaming client. Derived, never
// stored: ACTIVE subscriptions project premium, everything else free.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	return string(t)
}
