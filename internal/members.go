package controller

import (
	"context"
	"fmt"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"

	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

const mailChimpProviderName = "MailChimp"

func getMailingListID(cg *notificationmiloapiscomv1alpha1.ContactGroup) (string, error) {
	for _, provider := range cg.Spec.Providers {
		if provider.Name == mailChimpProviderName {
			return provider.ID, nil
		}
	}

	return "", fmt.Errorf("mailing list ID not found for contact group")
}

// memberOptions carries the contact's names as MailChimp merge fields.
func memberOptions(c *notificationmiloapiscomv1alpha1.Contact) mailchimp.Options {
	return mailchimp.Options{
		{Key: "merge_fields", Value: mailchimp.Options{
			{Key: "FNAME", Value: c.Spec.GivenName},
			{Key: "LNAME", Value: c.Spec.FamilyName},
		}},
	}
}

// rejectionError describes the last call of api, which did not succeed.
func rejectionError(api mailchimp.API) error {
	outcome := api.LastOutcome()
	if err := outcome.Err(); err != nil {
		return err
	}
	return fmt.Errorf("unexpected MailChimp status %d: %s", outcome.StatusCode, outcome.Body)
}

// isPermanent reports errors retrying cannot fix: bad input, missing
// configuration and MailChimp refusing the request outright. A joined error
// is permanent only when all of its parts are.
func isPermanent(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, part := range joined.Unwrap() {
			if !isPermanent(part) {
				return false
			}
		}
		return true
	}
	return mailchimp.IsInputError(err) || mailchimp.IsConfigurationError(err) ||
		(mailchimp.IsBadRequest(err) && !mailchimp.IsMemberExists(err))
}

// removeListMember removes the contact from the group's list. Contacts that
// are not on the list, or could never have been, count as removed.
func removeListMember(ctx context.Context, lists mailchimp.Lists, resolve ListIDResolver, c *notificationmiloapiscomv1alpha1.Contact, cg *notificationmiloapiscomv1alpha1.ContactGroup) error {
	log := logf.FromContext(ctx).WithValues("contact", c.Name, "contactGroup", cg.Name)
	log.Info("Removing contact from MailChimp list")

	listID, err := resolve(cg)
	if err != nil {
		log.Error(err, "Failed to get MailChimp list ID")
		return fmt.Errorf("failed to get MailChimp list ID: %w", err)
	}

	api := lists.List(listID)
	removed, err := api.RemoveMember(ctx, c.Spec.Email)
	if err != nil {
		if mailchimp.IsInputError(err) {
			log.Info("Contact email is not valid, nothing to remove", "error", err.Error())
			return nil
		}
		return err
	}
	if removed {
		return nil
	}

	rejection := rejectionError(api)
	if mailchimp.IsNotFound(rejection) {
		log.Info("MailChimp list member not found, probably removed already")
		return nil
	}
	return rejection
}
