package notification

import (
	"context"
	"time"
)

// Device is one registered push target. Tokens are opaque to the core
// and never logged in full.
type Device struct {
	ID       string    `json:"id"`
	Token    string    `json:"token"`
	Platform string    `json:"platform"` // "ios" or "android"
	LastSeen time.Time `json:"last_seen"`
}

// MaxDevices caps the device registry; the oldest device is evicted
// on overflow.
const MaxDevices = 10

// QuietHours is a per-user recurring daily window during which
// non-critical notifications are deferred or digested.
type QuietHours struct {
	Enabled        bool   `json:"enabled"`
	Start          string `json:"start"` // "22:00"
	End            string `json:"end"`   // "07:00"
	Timezone       string `json:"timezone"`
	CriticalBypass bool   `json:"critical_bypass"`
}

// KindOverride is a user's per-kind routing override. Users may
// disable a kind or narrow its channels; the catalog's bypass and
// dedup flags stay authoritative, except that a user may additionally
// grant quiet-hours bypass for a kind.
type KindOverride struct {
	Enabled          *bool     `json:"enabled,omitempty"`
	Channels         []Channel `json:"channels,omitempty"`
	BypassQuietHours *bool     `json:"bypass_quiet_hours,omitempty"`
}

// DoNotContact suppresses every channel regardless of per-channel
// flags.
type DoNotContact struct {
	Enabled      bool       `json:"enabled"`
	Reason       string     `json:"reason,omitempty"`
	ReactivateAt *time.Time `json:"reactivate_at,omitempty"`
}

// DigestSettings configures a user's summary emails.
type DigestSettings struct {
	Enabled   bool            `json:"enabled"`
	Frequency DigestFrequency `json:"frequency"`
	Hour      int             `json:"hour"` // local hour for daily/weekly digests
}

// UserPreferences is the per-user routing policy document. Contact
// fields are decrypted in memory only; the store never persists them
// in cleartext.
type UserPreferences struct {
	UserID          string                     `json:"user_id"`
	Channels        map[Channel]bool           `json:"channels"`
	Phone           string                     `json:"-"`
	PhoneVerifiedAt *time.Time                 `json:"phone_verified_at,omitempty"`
	Email           string                     `json:"-"`
	EmailVerifiedAt *time.Time                 `json:"email_verified_at,omitempty"`
	Devices         []Device                   `json:"devices,omitempty"`
	KindOverrides   map[Kind]KindOverride      `json:"kind_overrides,omitempty"`
	QuietHours      QuietHours                 `json:"quiet_hours"`
	Budgets         map[Channel]*ChannelBudget `json:"budgets,omitempty"` // per-user caps, authoritative when set
	DoNotContact    DoNotContact               `json:"do_not_contact"`
	Digest          DigestSettings             `json:"digest"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy. Callers that hand preferences to
// concurrent consumers copy first so later mutations stay private.
func (p *UserPreferences) Clone() *UserPreferences {
	if p == nil {
		return nil
	}
	out := *p
	if p.Channels != nil {
		out.Channels = make(map[Channel]bool, len(p.Channels))
		for ch, enabled := range p.Channels {
			out.Channels[ch] = enabled
		}
	}
	if p.Devices != nil {
		out.Devices = append([]Device(nil), p.Devices...)
	}
	if p.KindOverrides != nil {
		out.KindOverrides = make(map[Kind]KindOverride, len(p.KindOverrides))
		for kind, override := range p.KindOverrides {
			cp := override
			if override.Enabled != nil {
				cp.Enabled = Ptr(*override.Enabled)
			}
			if override.BypassQuietHours != nil {
				cp.BypassQuietHours = Ptr(*override.BypassQuietHours)
			}
			if override.Channels != nil {
				cp.Channels = append([]Channel(nil), override.Channels...)
			}
			out.KindOverrides[kind] = cp
		}
	}
	if p.Budgets != nil {
		out.Budgets = make(map[Channel]*ChannelBudget, len(p.Budgets))
		for ch, budget := range p.Budgets {
			if budget == nil {
				out.Budgets[ch] = nil
				continue
			}
			out.Budgets[ch] = Ptr(*budget)
		}
	}
	if p.PhoneVerifiedAt != nil {
		out.PhoneVerifiedAt = Ptr(*p.PhoneVerifiedAt)
	}
	if p.EmailVerifiedAt != nil {
		out.EmailVerifiedAt = Ptr(*p.EmailVerifiedAt)
	}
	if p.DoNotContact.ReactivateAt != nil {
		out.DoNotContact.ReactivateAt = Ptr(*p.DoNotContact.ReactivateAt)
	}
	return &out
}

// ChannelEnabled reports whether a channel is globally enabled for
// the user.
func (p *UserPreferences) ChannelEnabled(ch Channel) bool {
	enabled, ok := p.Channels[ch]
	return ok && enabled
}

// BudgetFor resolves the user's effective caps for a channel,
// preferring a per-user override over the service defaults.
func (p *UserPreferences) BudgetFor(ch Channel, defaults map[Channel]ChannelBudget) ChannelBudget {
	if override, ok := p.Budgets[ch]; ok && override != nil {
		return *override
	}
	return defaults[ch]
}

// PhoneVerified reports whether the user has a verified phone.
func (p *UserPreferences) PhoneVerified() bool {
	return p.Phone != "" && p.PhoneVerifiedAt != nil
}

// EmailVerified reports whether the user has a verified email.
func (p *UserPreferences) EmailVerified() bool {
	return p.Email != "" && p.EmailVerifiedAt != nil
}

// PreferencesStore is the narrow read contract the Router and engines
// consume. The full CRUD surface lives with the implementation.
type PreferencesStore interface {
	// GetOrCreate loads a user's preferences, creating the default
	// document on first sight.
	GetOrCreate(ctx context.Context, userID string) (*UserPreferences, error)

	// DigestUsers enumerates user ids with email digest enabled.
	DigestUsers(ctx context.Context) ([]string, error)
}

// DefaultPreferences is the document created on first sight: all
// channels on, no quiet hours, daily digest disabled at 09:00.
func DefaultPreferences(userID string) *UserPreferences {
	return &UserPreferences{
		UserID: userID,
		Channels: map[Channel]bool{
			ChannelSocket: true,
			ChannelSMS:    true,
			ChannelEmail:  true,
			ChannelPush:   true,
		},
		QuietHours: QuietHours{
			Enabled:        false,
			Start:          "22:00",
			End:            "07:00",
			Timezone:       "UTC",
			CriticalBypass: true,
		},
		Digest: DigestSettings{
			Enabled:   false,
			Frequency: DigestDaily,
			Hour:      9,
		},
		UpdatedAt: time.Now(),
	}
}
