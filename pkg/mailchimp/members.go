package mailchimp

import (
	"context"
	"encoding/json"
	"net/http"
)

var defaultMemberOptions = Options{
	{Key: "email_type", Value: "html"},
	{Key: "status", Value: "subscribed"},
}

// CreateMember adds email to the list.
//
// API: POST /lists/{list_id}/members
//
// The body is {"email_type": "html", "status": "subscribed"} overlaid with
// opts, with email_address always set to email as given.
//
// Success: 200 OK. MailChimp answers 400 "Member Exists" for an address
// already on the list; see IsMemberExists.
func (c *Client) CreateMember(ctx context.Context, email string, opts Options) (bool, error) {
	listID, err := c.requireList()
	if err != nil {
		return false, err
	}
	if err := c.checkEmail(email); err != nil {
		return false, err
	}

	payload, err := marshalPayload(defaultMemberOptions.Merge(opts).With("email_address", email))
	if err != nil {
		return false, err
	}

	return c.run(ctx, pendingRequest{
		method:  http.MethodPost,
		url:     c.membersURL(listID, ""),
		payload: payload,
	}, http.StatusOK)
}

// GetMemberInfo reads the member identified by email, or every member of
// the list when email is empty. Non-empty opts are sent as a query string,
// e.g. {"fields": {"merge_fields": {...}}, "count": 10}; fields and
// exclude_fields are mutually exclusive.
//
// API: GET /lists/{list_id}/members[/{subscriber_hash}]
//
// Success: 200 OK.
func (c *Client) GetMemberInfo(ctx context.Context, email string, opts Options) (bool, error) {
	listID, err := c.requireList()
	if err != nil {
		return false, err
	}

	var hash string
	if email != "" {
		if err := c.checkEmail(email); err != nil {
			return false, err
		}
		hash = SubscriberHash(email)
	}

	query, err := buildQuery(opts)
	if err != nil {
		return false, err
	}

	return c.run(ctx, pendingRequest{
		method: http.MethodGet,
		url:    c.membersURL(listID, hash) + query,
	}, http.StatusOK)
}

// UpdateMember patches the member identified by email. opts is sent
// verbatim as the request body.
//
// API: PATCH /lists/{list_id}/members/{subscriber_hash}
//
// Success: 200 OK.
func (c *Client) UpdateMember(ctx context.Context, email string, opts Options) (bool, error) {
	listID, err := c.requireList()
	if err != nil {
		return false, err
	}
	if err := c.checkEmail(email); err != nil {
		return false, err
	}

	payload, err := marshalPayload(opts)
	if err != nil {
		return false, err
	}

	req := pendingRequest{
		method:  http.MethodPatch,
		url:     c.membersURL(listID, SubscriberHash(email)),
		payload: payload,
	}
	c.loggerFor(ctx).V(debugLevel).Info("Updating MailChimp member", "url", req.url, "payload", string(payload))

	return c.run(ctx, req, http.StatusOK)
}

// RemoveMember deletes the member identified by email from the list.
//
// API: DELETE /lists/{list_id}/members/{subscriber_hash}
//
// Success: 204 No Content. 404 Not Found when the address is not on the list.
func (c *Client) RemoveMember(ctx context.Context, email string) (bool, error) {
	listID, err := c.requireList()
	if err != nil {
		return false, err
	}
	if err := c.checkEmail(email); err != nil {
		return false, err
	}

	return c.run(ctx, pendingRequest{
		method: http.MethodDelete,
		url:    c.membersURL(listID, SubscriberHash(email)),
	}, http.StatusNoContent)
}

func (c *Client) run(ctx context.Context, req pendingRequest, expected int) (bool, error) {
	outcome, err := c.execute(ctx, req)
	if err != nil {
		return false, err
	}
	return outcome.StatusCode == expected, nil
}

func (c *Client) membersURL(listID, hash string) string {
	target := c.baseURL + "lists/" + listID + "/members"
	if hash != "" {
		target += "/" + hash
	}
	return target
}

func (c *Client) requireList() (string, error) {
	listID := c.currentListID()
	if listID == "" {
		return "", &ConfigurationError{
			Setting: "list id",
			Message: "this action requires a list ID to be defined",
		}
	}
	return listID, nil
}

func (c *Client) checkEmail(email string) error {
	if email == "" {
		return &InputError{Reason: InputMissing}
	}
	if !c.validator.ValidEmail(email) {
		return &InputError{Reason: InputMalformed, Value: email}
	}
	return nil
}

func marshalPayload(opts Options) ([]byte, error) {
	data, err := json.Marshal(opts)
	if err != nil {
		return nil, &RequestError{Message: "failed to marshal request body", Err: err}
	}
	return data, nil
}
