package billing

import (
	"context"
	"net"

	"github.com/google/uuid"
)

// ProfileProvider supplies the buyer data gateways demand for fraud
// scoring. It is consulted before every charge; a profile that fails
// validation aborts the attempt before any gateway call.
type ProfileProvider interface {
	// GetBillingProfile returns the billing profile for a user. It may
	// return an *IncompleteProfileError directly, or return a partial
	// profile and let Validate report what is missing.
	GetBillingProfile(ctx context.Context, userID uuid.UUID) (*BillingProfile, error)
}

// BillingProfile holds the identity and address fields required by the
// gateway for a card-present-not charge.
type BillingProfile struct {
	Name           string
	Surname        string
	Email          string
	IdentityNumber string

	Address string
	City    string
	Country string
	ZipCode string

	// OriginIP is the buyer's real network origin. Loopback and empty
	// values are rejected: substituting a placeholder address would feed
	// the gateway's fraud checks fabricated data.
	OriginIP string
}

// Validate checks that all fields the gateway requires are present and
// returns an *IncompleteProfileError naming every missing one.
func (p *BillingProfile) Validate() error {
	var missing []string
	if p.Name == "" {
		missing = append(missing, "name")
	}
	if p.Surname == "" {
		missing = append(missing, "surname")
	}
	if p.Email == "" {
		missing = append(missing, "email")
	}
	if p.IdentityNumber == "" {
		missing = append(missing, "identity_number")
	}
	if p.Address == "" {
		missing = append(missing, "address")
	}
	if p.City == "" {
		missing = append(missing, "city")
	}
	if p.Country == "" {
		missing = append(missing, "country")
	}
	if !validOriginIP(p.OriginIP) {
		missing = append(missing, "origin_ip")
	}
	if len(missing) > 0 {
		return &IncompleteProfileError{Missing: missing}
	}
	return nil
}

// validOriginIP accepts only parseable, non-loopback, non-unspecified
// addresses.
func validOriginIP(s string) bool {
	if s == "" {
		return false
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsUnspecified()
}
