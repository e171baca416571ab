package enums

import "fmt"

// VendorLinkStatus maps to the vendor_link_status enum in Postgres. Links are
// never deleted; REVOKED is the terminal state.
type VendorLinkStatus string

const (
	VendorLinkStatusPendingProvision    VendorLinkStatus = "PENDING_PROVISION"
	VendorLinkStatusPendingEmailConfirm VendorLinkStatus = "PENDING_EMAIL_CONFIRM"
	VendorLinkStatusActive              VendorLinkStatus = "ACTIVE"
	VendorLinkStatusRevoked             VendorLinkStatus = "REVOKED"
)

var validVendorLinkStatuses = []VendorLinkStatus{
	VendorLinkStatusPendingProvision,
	VendorLinkStatusPendingEmailConfirm,
	VendorLinkStatusActive,
	VendorLinkStatusRevoked,
}

// String implements fmt.Stringer.
func (s VendorLinkStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s VendorLinkStatus) IsValid() bool {
	for _, candidate := range validVendorLinkStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseVendorLinkStatus converts raw input into a VendorLinkStatus.
func ParseVendorLinkStatus(value string) (VendorLinkStatus, error) {
	for _, candidate := range validVendorLinkStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid vendor link status %q", value)
}
