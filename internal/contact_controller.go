package controller

import (
	"context"
	"crypto/sha256"
	stderrors "errors"
	"fmt"
	"strings"

	"go.miloapis.com/email-provider-mailchimp/internal/util"
	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/finalizer"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	mailChimpContactFinalizerKey = "notification.miloapis.com/mailchimp-contact"

	// membershipContactIndexKey indexes ContactGroupMemberships by the Contact they reference.
	membershipContactIndexKey = "contactgroupmembership-contact"
)

const (
	// MailChimpContactReadyCondition is a condition that is set to true when the contact is in sync with MailChimp
	MailChimpContactReadyCondition = "MailChimpContactReady"
	// MailChimpContactSyncedReason is a reason that is set when every list member of the contact is up to date
	MailChimpContactSyncedReason = "ContactSynced"
	// MailChimpContactNotSyncedReason is a reason that is set when a list member of the contact could not be updated
	MailChimpContactNotSyncedReason = "ContactNotSynced"
)

const (
	// NewsLetterAddedCondition is a condition that is set to true when the contact is enrolled in the newsletter group
	NewsLetterAddedCondition = "NewsLetterAdded"
	// NewsLetterAddedReason is a reason that is set when the contact is enrolled in the newsletter group
	NewsLetterAddedReason = "NewsLetterAdded"
	// NewsLetterNotAddedReason is a reason that is set when the contact is not enrolled in the newsletter group
	NewsLetterNotAddedReason = "NewsLetterNotAdded"
)

// MailChimpContactController keeps the MailChimp list members of a Contact
// in sync with it.
type MailChimpContactController struct {
	Client                          client.Client
	Finalizers                      finalizer.Finalizers
	MailChimp                       mailchimp.Lists
	ListID                          ListIDResolver
	NewsLetterContactGroupName      string
	NewsLetterContactGroupNamespace string
}

// mailChimpContactFinalizer is a finalizer for the Contact object
type mailChimpContactFinalizer struct {
	Client    client.Client
	MailChimp mailchimp.Lists
	ListID    ListIDResolver
}

func (f *mailChimpContactFinalizer) Finalize(ctx context.Context, obj client.Object) (finalizer.Result, error) {
	log := logf.FromContext(ctx).WithValues("finalizer", "ContactFinalizer", "trigger", obj.GetName())
	log.Info("Finalizing Contact")

	contact, ok := obj.(*notificationmiloapiscomv1alpha1.Contact)
	if !ok {
		log.Error(fmt.Errorf("object is not a Contact"), "Failed to finalize Contact")
		return finalizer.Result{}, fmt.Errorf("object is not a Contact")
	}

	groups, err := contactGroupsOf(ctx, f.Client, contact)
	if err != nil {
		log.Error(err, "Failed to list contact groups of Contact")
		return finalizer.Result{}, fmt.Errorf("failed to list contact groups of Contact: %w", err)
	}

	for _, group := range groups {
		if err := removeListMember(ctx, f.MailChimp, f.ListID, contact, group); err != nil {
			log.Error(err, "Failed to remove MailChimp list member", "contactGroup", group.Name)
			return finalizer.Result{}, fmt.Errorf("failed to remove MailChimp list member: %w", err)
		}
	}

	return finalizer.Result{}, nil
}

// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contacts,verbs=get;list;watch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contacts/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contacts/finalizers,verbs=update
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships,verbs=get;list;watch;create

// Reconcile is the main function that reconciles the Contact object.
func (r *MailChimpContactController) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logf.FromContext(ctx).WithValues("controller", "ContactController", "trigger", req.NamespacedName)
	log.Info("Starting reconciliation", "namespacedName", req.String(), "name", req.Name, "namespace", req.Namespace)

	contact := &notificationmiloapiscomv1alpha1.Contact{}
	err := r.Client.Get(ctx, req.NamespacedName, contact)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("Contact not found. Probably deleted.")
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get contact: %w", err)
	}

	finalizeResult, err := r.Finalizers.Finalize(ctx, contact)
	if err != nil {
		log.Error(err, "Failed to run finalizers for Contact")
		return ctrl.Result{}, fmt.Errorf("failed to run finalizers for Contact: %w", err)
	}
	if finalizeResult.Updated {
		log.Info("finalizer updated the contact object, updating API server")
		if updateErr := r.Client.Update(ctx, contact); updateErr != nil {
			if errors.IsConflict(updateErr) {
				log.Info("Conflict updating Contact after finalizer update; requeuing")
				return ctrl.Result{Requeue: true}, nil
			}
			log.Error(updateErr, "Failed to update Contact after finalizer update")
			return ctrl.Result{}, updateErr
		}
		return ctrl.Result{}, nil
	}
	if !contact.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, nil
	}

	oldStatus := contact.Status.DeepCopy()
	original := contact.DeepCopy()
	readyCond := meta.FindStatusCondition(contact.Status.Conditions, MailChimpContactReadyCondition)

	var syncError error
	switch {
	// First sight - list members are created by the membership controller
	case readyCond == nil:
		log.Info("Contact registered")
		r.setReady(contact, metav1.ConditionTrue, MailChimpContactSyncedReason, "Contact registered with MailChimp provider")

	// Update - generation changed since we last processed the object
	case readyCond.ObservedGeneration != contact.GetGeneration() || readyCond.Status != metav1.ConditionTrue:
		log.Info("Contact updated")

		syncError = r.updateListMembers(ctx, contact)
		if syncError != nil {
			log.Error(syncError, "Failed to update MailChimp list members")
			r.setReady(contact, metav1.ConditionFalse, MailChimpContactNotSyncedReason,
				fmt.Sprintf("MailChimp list members not updated: %s", syncError.Error()))
		} else {
			log.Info("MailChimp list members updated")
			r.setReady(contact, metav1.ConditionTrue, MailChimpContactSyncedReason, "MailChimp list members updated")
		}
	}

	contact.Status.Providers = []notificationmiloapiscomv1alpha1.ContactProviderStatus{
		{
			Name: mailChimpProviderName,
			ID:   mailchimp.SubscriberHash(contact.Spec.Email),
		},
	}

	errorAddingToNewsLetter := false
	if r.isNewsletterContact(contact) {
		errorAddingToNewsLetter = r.addToNewsLetterList(ctx, contact)
	}

	if _, err := util.PatchStatusIfChanged(ctx, util.StatusPatchParams{
		Client:     r.Client,
		Logger:     log,
		Object:     contact,
		Original:   original,
		OldStatus:  oldStatus,
		NewStatus:  &contact.Status,
		FieldOwner: "mailchimpcontact-controller",
	}); err != nil {
		return ctrl.Result{}, err
	}

	if syncError != nil && !isPermanent(syncError) {
		return ctrl.Result{}, syncError
	}

	if errorAddingToNewsLetter {
		log.Error(errors.NewInternalError(fmt.Errorf("failed to add contact to newsletter")), "Failed to add contact to newsletter")
		return ctrl.Result{}, fmt.Errorf("failed to add contact to newsletter")
	}

	log.Info("Contact reconciled")

	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *MailChimpContactController) SetupWithManager(mgr ctrl.Manager) error {
	if err := mgr.GetFieldIndexer().IndexField(
		context.Background(),
		&notificationmiloapiscomv1alpha1.ContactGroupMembership{},
		membershipContactIndexKey,
		indexMembershipByContact,
	); err != nil {
		return fmt.Errorf("failed to create contactgroupmembership index for contact: %w", err)
	}

	if err := r.setupFinalizers(); err != nil {
		return err
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&notificationmiloapiscomv1alpha1.Contact{}).
		Named("mailchimpcontact").
		Complete(r)
}

func (r *MailChimpContactController) setupFinalizers() error {
	if r.ListID == nil {
		r.ListID = getMailingListID
	}

	r.Finalizers = finalizer.NewFinalizers()
	if err := r.Finalizers.Register(mailChimpContactFinalizerKey, &mailChimpContactFinalizer{
		Client:    r.Client,
		MailChimp: r.MailChimp,
		ListID:    r.ListID,
	}); err != nil {
		return fmt.Errorf("failed to register mailchimp contact finalizer: %w", err)
	}
	return nil
}

func (r *MailChimpContactController) setReady(contact *notificationmiloapiscomv1alpha1.Contact, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
		Type:               MailChimpContactReadyCondition,
		Status:             status,
		Reason:             reason,
		Message:            message,
		LastTransitionTime: metav1.Now(),
		ObservedGeneration: contact.GetGeneration(),
	})
}

// updateListMembers pushes the contact's names to every list it is a member
// of. Lists the contact has not reached yet are skipped. A failing list does
// not stop the others; all failures are returned together.
func (r *MailChimpContactController) updateListMembers(ctx context.Context, contact *notificationmiloapiscomv1alpha1.Contact) error {
	log := logf.FromContext(ctx).WithValues("controller", "MailChimpContactController", "trigger", contact.Name)

	groups, err := contactGroupsOf(ctx, r.Client, contact)
	if err != nil {
		return fmt.Errorf("failed to list contact groups of Contact: %w", err)
	}

	var errs []error
	for _, group := range groups {
		if err := r.updateListMember(ctx, contact, group); err != nil {
			log.Error(err, "Failed to update MailChimp list member", "contactGroup", group.Name)
			errs = append(errs, fmt.Errorf("contact group %s: %w", group.Name, err))
		}
	}

	return stderrors.Join(errs...)
}

func (r *MailChimpContactController) updateListMember(ctx context.Context, contact *notificationmiloapiscomv1alpha1.Contact, group *notificationmiloapiscomv1alpha1.ContactGroup) error {
	log := logf.FromContext(ctx).WithValues("controller", "MailChimpContactController", "trigger", contact.Name, "contactGroup", group.Name)

	listID, err := r.ListID(group)
	if err != nil {
		return fmt.Errorf("failed to get MailChimp list ID: %w", err)
	}

	log.Info("Updating MailChimp list member")
	api := r.MailChimp.List(listID)
	updated, err := api.UpdateMember(ctx, contact.Spec.Email, memberOptions(contact))
	if err != nil {
		return err
	}
	if updated {
		return nil
	}

	rejection := rejectionError(api)
	if mailchimp.IsNotFound(rejection) {
		log.Info("Contact not on MailChimp list yet")
		return nil
	}
	return rejection
}

// contactGroupsOf returns the ContactGroups the contact is a member of.
func contactGroupsOf(ctx context.Context, k8sClient client.Client, contact *notificationmiloapiscomv1alpha1.Contact) ([]*notificationmiloapiscomv1alpha1.ContactGroup, error) {
	memberships := &notificationmiloapiscomv1alpha1.ContactGroupMembershipList{}
	if err := k8sClient.List(ctx, memberships, client.MatchingFields{
		membershipContactIndexKey: types.NamespacedName{Name: contact.Name, Namespace: contact.Namespace}.String(),
	}); err != nil {
		return nil, err
	}

	var groups []*notificationmiloapiscomv1alpha1.ContactGroup
	for i := range memberships.Items {
		ref := memberships.Items[i].Spec.ContactGroupRef
		group := &notificationmiloapiscomv1alpha1.ContactGroup{}
		if err := k8sClient.Get(ctx, client.ObjectKey{Name: ref.Name, Namespace: ref.Namespace}, group); err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to get ContactGroup: %w", err)
		}
		groups = append(groups, group)
	}

	return groups, nil
}

func indexMembershipByContact(rawObj client.Object) []string {
	cgm := rawObj.(*notificationmiloapiscomv1alpha1.ContactGroupMembership)
	return []string{types.NamespacedName{Name: cgm.Spec.ContactRef.Name, Namespace: cgm.Spec.ContactRef.Namespace}.String()}
}

// isNewsletterContact returns true if the contact name starts with "newsletter-".
func (r *MailChimpContactController) isNewsletterContact(contact *notificationmiloapiscomv1alpha1.Contact) bool {
	return strings.HasPrefix(contact.Name, "newsletter-")
}

func (r *MailChimpContactController) addToNewsLetterList(ctx context.Context, contact *notificationmiloapiscomv1alpha1.Contact) bool {
	log := logf.FromContext(ctx).WithValues("controller", "MailChimpContactController", "trigger", contact.Name)
	log.Info("Enrolling contact in newsletter")

	newsLetterCond := meta.FindStatusCondition(contact.Status.Conditions, NewsLetterAddedCondition)
	if newsLetterCond != nil && newsLetterCond.Status == metav1.ConditionTrue {
		log.Info("News letter already added")
		return false
	}

	contactgroupmembership := notificationmiloapiscomv1alpha1.ContactGroupMembership{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.generateCgmName(contact),
			Namespace: contact.Namespace,
		},
		Spec: notificationmiloapiscomv1alpha1.ContactGroupMembershipSpec{
			ContactRef: notificationmiloapiscomv1alpha1.ContactReference{
				Name:      contact.Name,
				Namespace: contact.Namespace,
			},
			ContactGroupRef: notificationmiloapiscomv1alpha1.ContactGroupReference{
				Name:      r.NewsLetterContactGroupName,
				Namespace: r.NewsLetterContactGroupNamespace,
			},
		},
	}

	if err := r.Client.Create(ctx, &contactgroupmembership); err != nil && !errors.IsAlreadyExists(err) {
		log.Error(err, "Failed to create ContactGroupMembership")

		meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
			Type:               NewsLetterAddedCondition,
			Status:             metav1.ConditionFalse,
			Reason:             NewsLetterNotAddedReason,
			Message:            fmt.Sprintf("Contact not added to Newsletter list: %s", err.Error()),
			LastTransitionTime: metav1.Now(),
			ObservedGeneration: contact.GetGeneration(),
		})

		return true
	}

	meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
		Type:               NewsLetterAddedCondition,
		Status:             metav1.ConditionTrue,
		Reason:             NewsLetterAddedReason,
		Message:            "Contact added to Newsletter list on email provider.",
		LastTransitionTime: metav1.Now(),
		ObservedGeneration: contact.GetGeneration(),
	})

	log.Info("ContactGroupMembership created")
	return false
}

// generateCgmName generates a deterministic name for a ContactGroupMembership
func (r *MailChimpContactController) generateCgmName(
	contact *notificationmiloapiscomv1alpha1.Contact,
) string {
	hash := sha256.Sum256([]byte(string(contact.UID)))
	hashStr := fmt.Sprintf("%x", hash)

	return fmt.Sprintf("%s-%s", contact.Name, hashStr)
}
