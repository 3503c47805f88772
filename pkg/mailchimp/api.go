package mailchimp

import "context"

// API defines the list-member operations of the MailChimp SDK. Each
// operation returns true when MailChimp answered with the status code that
// signals success for it; the full status and body of the call remain
// available through LastOutcome either way.
type API interface {
	// CreateMember subscribes email to the list.
	CreateMember(ctx context.Context, email string, opts Options) (bool, error)

	// GetMemberInfo reads one member, or the whole list when email is empty.
	GetMemberInfo(ctx context.Context, email string, opts Options) (bool, error)

	// UpdateMember patches a member with opts as the request body.
	UpdateMember(ctx context.Context, email string, opts Options) (bool, error)

	// RemoveMember deletes a member from the list.
	RemoveMember(ctx context.Context, email string) (bool, error)

	// LastOutcome returns the status and body of the most recent call.
	LastOutcome() Outcome
}

// Lists hands out API values bound to a single list.
type Lists interface {
	List(listID string) API
}

var (
	_ API   = &Client{}
	_ Lists = &Client{}
)
