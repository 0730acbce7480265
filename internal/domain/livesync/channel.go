package livesync

import "fmt"

// Purpose tells whether a channel carries operational events for everyone
// or notifications addressed to specific users.
type Purpose int

const (
	PurposePrimary Purpose = iota
	PurposeShared
)

func (p Purpose) String() string {
	switch p {
	case PurposePrimary:
		return "primary"
	case PurposeShared:
		return "shared"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// Channel is a named logical stream of push events. Identity is the name.
type Channel struct {
	Name    string
	Purpose Purpose
}

// Shared reports whether events on the channel go through the scope filter.
func (c Channel) Shared() bool { return c.Purpose == PurposeShared }

const (
	ChannelPharmacyStock            = "pharmacy.stock"
	ChannelNotificationAppointments = "notifications.appointments"
	ChannelNotificationPatients     = "notifications.patients"
	ChannelNotificationPharmacy     = "notifications.pharmacy"
	ChannelNotificationClinical     = "notifications.clinical"
	ChannelNotificationDocuments    = "notifications.documents"
	ChannelNotificationFinance      = "notifications.finance"
	ChannelNotificationBilling      = "notifications.billing"
	ChannelNotificationGeneral      = "notifications.general"
)

var catalogue = []Channel{
	{Name: ChannelPharmacyStock, Purpose: PurposePrimary},
	{Name: ChannelNotificationAppointments, Purpose: PurposeShared},
	{Name: ChannelNotificationPatients, Purpose: PurposeShared},
	{Name: ChannelNotificationPharmacy, Purpose: PurposeShared},
	{Name: ChannelNotificationClinical, Purpose: PurposeShared},
	{Name: ChannelNotificationDocuments, Purpose: PurposeShared},
	{Name: ChannelNotificationFinance, Purpose: PurposeShared},
	{Name: ChannelNotificationBilling, Purpose: PurposeShared},
	{Name: ChannelNotificationGeneral, Purpose: PurposeShared},
}

// Catalogue returns the fixed set of channels, primary first.
func Catalogue() []Channel {
	out := make([]Channel, len(catalogue))
	copy(out, catalogue)
	return out
}

// LookupChannel finds a channel of the catalogue by name.
func LookupChannel(name string) (Channel, bool) {
	for _, c := range catalogue {
		if c.Name == name {
			return c, true
		}
	}
	return Channel{}, false
}

// AuthorizeChannel is the server-side admission rule for a subscribe
// request: the channel must exist, and shared channels need an
// authenticated connection.
func AuthorizeChannel(name string, authenticated bool) error {
	ch, ok := LookupChannel(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if ch.Shared() && !authenticated {
		return fmt.Errorf("channel %q requires an authenticated connection", name)
	}
	return nil
}
